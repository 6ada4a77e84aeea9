// Package httputil holds the JSON and middleware helpers shared by the admin
// HTTP handlers.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, record)
//	httputil.WriteFieldError(w, http.StatusBadRequest, "amount", "must be positive")
//
// Requests:
//
//	var req dues.CreateDueRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
