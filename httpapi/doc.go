// Package httpapi exposes the codegate flow API over JSON/HTTP.
//
//	POST /flows                 {"purpose":"password_reset","identifier":"a@b.c"}
//	POST /flows/{id}/code       {"code":"123456"}
//	POST /flows/{id}/resend
//	POST /flows/{id}/complete   {"action":"set_password","new_password":"..."}
//	GET  /healthz
//	GET  /metrics               (when a metrics handler is configured)
//
// Every engine error maps to a fixed status and message. Responses never say
// whether an identifier has an account.
package httpapi
