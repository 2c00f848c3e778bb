package handlers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/internal/version"
	"mousekit.app/cloud/models"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
	AppVersion string `json:"app_version"`
}

type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.Allow(clientAddr(r)) {
		writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license")
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.LicenseKey)
	if err != nil {
		logger.Error("License lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if license == nil {
		respondWithValidation(w, false, "License not found")
		return
	}

	if license.Status != models.StatusActive {
		// A canceled subscription keeps access until the paid period ends.
		if !s.withinGracePeriod(r, license) {
			respondWithValidation(w, false, "License not active")
			return
		}
	}

	compatible, err := version.IsCompatible(license.Version, req.AppVersion)
	if err != nil {
		respondWithValidation(w, false, "Invalid version format")
		return
	}
	if !compatible {
		respondWithValidation(w, false, "License not valid for this app version")
		return
	}

	respondWithValidation(w, true, "License valid")
}

func (s *Server) withinGracePeriod(r *http.Request, license *models.License) bool {
	if license.Status != models.StatusCanceled {
		return false
	}
	customer, err := s.Storage.GetCustomer(r.Context(), license.CustomerID)
	if err != nil || customer == nil {
		return false
	}
	return !customer.AccessUntil.IsZero() && time.Now().Before(customer.AccessUntil)
}

func (lr LicenseRequest) validate() error {
	if lr.LicenseKey == "" {
		return fmt.Errorf("license_key required")
	}
	// Empty app_version will be caught by version validation logic
	return nil
}

func respondWithValidation(w http.ResponseWriter, valid bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ValidateResponse{
		Valid:   valid,
		Message: message,
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
