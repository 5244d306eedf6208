package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DemocracyEarth/ubi-ledger/handlers"
)

// RegisterRoutes sets up all the HTTP routes for the ledger
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Opens the accrual window for a verified account
	r.HandleFunc("/accounts/{address}/accrue", h.StartAccruing).Methods("POST")

	// Reports an account that lost verification; the reporter collects the
	// forfeited accrual
	r.HandleFunc("/accounts/{address}/report", h.ReportRemoval).Methods("POST")

	// Lazily computed balances
	r.HandleFunc("/accounts/{address}/accrued", h.GetAccruedValue).Methods("GET")
	r.HandleFunc("/accounts/{address}/balance", h.GetBalance).Methods("GET")

	// Active outgoing delegation ids and their unwithdrawn total
	r.HandleFunc("/accounts/{address}/delegations", h.GetActiveDelegations).Methods("GET")
	r.HandleFunc("/accounts/{address}/outgoing-accrued", h.GetOutgoingAccruedTotal).Methods("GET")

	// Settled-value mutations; both consolidate accrual first
	r.HandleFunc("/transfers", h.Transfer).Methods("POST")
	r.HandleFunc("/burns", h.Burn).Methods("POST")

	// Delegation lifecycle
	r.HandleFunc("/delegations", h.CreateDelegation).Methods("POST")
	r.HandleFunc("/delegations/withdraw", h.Withdraw).Methods("POST")
	r.HandleFunc("/delegations/{id:[0-9]+}", h.GetDelegation).Methods("GET")
	r.HandleFunc("/delegations/{id:[0-9]+}/balance", h.BalanceOfDelegation).Methods("GET")
	r.HandleFunc("/delegations/{id:[0-9]+}/cancel", h.CancelDelegation).Methods("POST")

	// Event log for external indexers
	r.HandleFunc("/events", h.GetEvents).Methods("GET")

	// Privileged configuration and the stand-in registry oracle
	r.HandleFunc("/admin/max-delegations", h.SetMaxDelegations).Methods("PUT")
	r.HandleFunc("/registry/{address}", h.RegistryAdd).Methods("PUT")
	r.HandleFunc("/registry/{address}", h.RegistryRemove).Methods("DELETE")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
