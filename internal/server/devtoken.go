package server

import (
	"net/http"

	"remittance/internal/amount"
)

type faucetRequest struct {
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
}

type approveRequest struct {
	// Spender defaults to the escrow custody account.
	Spender       string `json:"spender"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
}

type balanceResponse struct {
	Address        string `json:"address"`
	Balance        string `json:"balance"`
	BalanceDisplay string `json:"balanceDisplay"`
	Allowance      string `json:"allowance"`
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, _ *http.Request) {
	tok := s.devToken
	respondJSON(w, http.StatusOK, map[string]any{
		"address":     tok.Address().Hex(),
		"name":        tok.Name(),
		"symbol":      tok.Symbol(),
		"decimals":    tok.Decimals(),
		"totalSupply": tok.TotalSupply().String(),
		"custody":     s.custody.Hex(),
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	bal := s.devToken.BalanceOf(addr)
	respondJSON(w, http.StatusOK, balanceResponse{
		Address:        addr.Hex(),
		Balance:        bal.String(),
		BalanceDisplay: amount.Format(bal, int32(s.devToken.Decimals())),
		Allowance:      s.devToken.Allowance(addr, s.custody).String(),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)

	var req faucetRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	value, err := s.parseAmount(req.Amount, req.AmountDisplay)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.devToken.Faucet(caller, value); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"address": caller.Hex(),
		"minted":  value.String(),
		"balance": s.devToken.BalanceOf(caller).String(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)

	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	spender := s.custody
	if req.Spender != "" {
		parsed, err := parseAddress(req.Spender)
		if err != nil {
			respondAPIError(w, errInvalidRequest.withMessage("spender: "+err.Error()))
			return
		}
		spender = parsed
	}
	value, err := s.parseAmount(req.Amount, req.AmountDisplay)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.devToken.Approve(caller, spender, value); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"owner":     caller.Hex(),
		"spender":   spender.Hex(),
		"allowance": s.devToken.Allowance(caller, spender).String(),
	})
}
