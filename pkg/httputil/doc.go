// Package httputil holds the JSON response helpers and middleware shared by
// the ops HTTP surface.
//
// Domain errors map onto status codes through StatusFor, so handlers can
// write
//
//	ext, err := svc.GetExtension(r.Context(), id)
//	if err != nil {
//		httputil.WriteError(w, err)
//		return
//	}
//	httputil.WriteJSON(w, http.StatusOK, ext)
//
// Middleware is applied with the router:
//
//	router.Use(httputil.RecoveryMiddleware(logger), httputil.LoggingMiddleware(logger))
package httputil
