package api

import "github.com/brandgate/quotas/pkg/admission"

// StatusResponse is the JSON body returned by GET /v1/quota/{credentialID}.
// It embeds the reporter's QuotaStatus unchanged so the wire shape has one
// definition.
type StatusResponse struct {
	*admission.QuotaStatus
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
