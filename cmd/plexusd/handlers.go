package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/httputil"
	"github.com/platinummonkey/plexus/pkg/policy"
	"github.com/platinummonkey/plexus/pkg/security"
	"github.com/platinummonkey/plexus/pkg/service"
)

// registerOpsRoutes mounts the read-only host endpoints
func registerOpsRoutes(router *mux.Router, svc *service.Service, logger *logrus.Logger) {
	router.HandleFunc("/statistics", statisticsHandler(svc, logger)).Methods(http.MethodGet)
	router.HandleFunc("/extensions/{id}/security-report", securityReportHandler(svc, logger)).Methods(http.MethodGet)
}

// statisticsHandler serves the host statistics as JSON
func statisticsHandler(svc *service.Service, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.GetStatistics(r.Context())
		if err != nil {
			logger.Errorf("Failed to collect statistics: %v", err)
			httputil.WriteError(w, err)
			return
		}
		if err := httputil.WriteJSON(w, http.StatusOK, stats); err != nil {
			logger.Warnf("Failed to write statistics: %v", err)
		}
	}
}

type securityReportResponse struct {
	Report  *security.Report `json:"report"`
	Actions []policy.Action  `json:"actions"`
}

// securityReportHandler re-validates one extension and serves its report
func securityReportHandler(svc *service.Service, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		report, actions, err := svc.SecurityReport(r.Context(), id)
		if err != nil {
			if httputil.StatusFor(err) == http.StatusInternalServerError {
				logger.WithField("extension_id", id).Errorf("Failed to build security report: %v", err)
			}
			httputil.WriteError(w, err)
			return
		}
		if actions == nil {
			actions = []policy.Action{}
		}
		if err := httputil.WriteJSON(w, http.StatusOK, securityReportResponse{Report: report, Actions: actions}); err != nil {
			logger.Warnf("Failed to write security report: %v", err)
		}
	}
}
