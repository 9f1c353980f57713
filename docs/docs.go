// Package docs registers the OpenAPI description served under /swagger/.
// Regenerate with `swag init -g cmd/server/main.go` after changing
// handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ServiceToken": {"type": "apiKey", "in": "header", "name": "X-Service-Token"},
        "BearerToken": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "paths": {
        "/health": {
            "get": {"tags": ["health"], "summary": "Health check endpoint", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.HealthResponse"}}}}
        },
        "/ready": {
            "get": {"tags": ["health"], "summary": "Readiness check", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/models.HealthResponse"}}}}
        },
        "/.well-known/jwks.json": {
            "get": {"tags": ["discovery"], "summary": "Public verification keys", "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/.well-known/openid-configuration": {
            "get": {"tags": ["discovery"], "summary": "Provider metadata", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.DiscoveryDocument"}}}}
        },
        "/v1/auth/login": {
            "post": {"tags": ["auth"], "summary": "Log in with identifier and password", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.LoginRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.TokenResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/auth/refresh": {
            "post": {"tags": ["auth"], "summary": "Exchange a refresh token", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.RefreshRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.TokenResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/auth/logout": {
            "post": {"tags": ["auth"], "summary": "Revoke the caller's tokens", "security": [{"BearerToken": []}], "consumes": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "schema": {"$ref": "#/definitions/models.LogoutRequest"}}],
                "responses": {"204": {"description": "No Content"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/service-tokens": {
            "post": {"tags": ["service-tokens"], "summary": "Issue a service token", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.ServiceTokenRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.ServiceTokenResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/service-tokens/renew": {
            "post": {"tags": ["service-tokens"], "summary": "Renew a service token", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.ServiceTokenResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/tokens/verify": {
            "post": {"tags": ["tokens"], "summary": "Verify a token", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.VerifyRequest"}}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.VerifyResponse"}}}}
        },
        "/v1/tokens/revoke": {
            "post": {"tags": ["tokens"], "summary": "Revoke a token id", "security": [{"ServiceToken": []}], "consumes": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.RevokeRequest"}}],
                "responses": {"204": {"description": "No Content"}, "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/keys/status": {
            "get": {"tags": ["keys"], "summary": "Rotation status", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.KeyStatusResponse"}}}}
        },
        "/v1/keys/initiate": {
            "post": {"tags": ["keys"], "summary": "Start a rotation", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.KeyStatusResponse"}}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/keys/{version}/activate": {
            "post": {"tags": ["keys"], "summary": "Activate a pending key", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "version", "required": true, "type": "integer"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.KeyStatusResponse"}}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/keys/rotate": {
            "post": {"tags": ["keys"], "summary": "Rotate the signing key", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.KeyStatusResponse"}}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}}
        },
        "/v1/keys/sweep": {
            "post": {"tags": ["keys"], "summary": "Retire expired keys", "security": [{"ServiceToken": []}], "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.SweepResponse"}}}}
        }
    },
    "definitions": {
        "handlers.DiscoveryDocument": {"type": "object", "properties": {
            "issuer": {"type": "string"}, "jwks_uri": {"type": "string"}, "token_endpoint": {"type": "string"},
            "service_token_endpoint": {"type": "string"}, "service_token_renewal_endpoint": {"type": "string"},
            "revocation_endpoint": {"type": "string"},
            "id_token_signing_alg_values_supported": {"type": "array", "items": {"type": "string"}},
            "token_types_supported": {"type": "array", "items": {"type": "string"}},
            "claims_supported": {"type": "array", "items": {"type": "string"}}}},
        "models.ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}, "error_description": {"type": "string"}}},
        "models.HealthResponse": {"type": "object", "properties": {"status": {"type": "string"}, "checks": {"type": "object", "additionalProperties": {"type": "string"}}}},
        "models.KeyInfo": {"type": "object", "properties": {"version": {"type": "integer"}, "state": {"type": "string"}, "created_at": {"type": "string"}, "retire_at": {"type": "string"}}},
        "models.KeyStatusResponse": {"type": "object", "properties": {"phase": {"type": "string"}, "keys": {"type": "array", "items": {"$ref": "#/definitions/models.KeyInfo"}}}},
        "models.LoginRequest": {"type": "object", "properties": {"identifier": {"type": "string"}, "password": {"type": "string"}}},
        "models.LogoutRequest": {"type": "object", "properties": {"refresh_token": {"type": "string"}}},
        "models.RefreshRequest": {"type": "object", "properties": {"refresh_token": {"type": "string"}}},
        "models.RevokeRequest": {"type": "object", "properties": {"token_id": {"type": "string"}, "expires_at": {"type": "string"}}},
        "models.ServiceTokenRequest": {"type": "object", "properties": {"service_name": {"type": "string"}, "client_secret": {"type": "string"}, "scope": {"type": "array", "items": {"type": "string"}}}},
        "models.ServiceTokenResponse": {"type": "object", "properties": {"token": {"type": "string"}, "token_type": {"type": "string"}, "expires_in": {"type": "integer"}, "scope": {"type": "array", "items": {"type": "string"}}}},
        "models.SweepResponse": {"type": "object", "properties": {"retired": {"type": "array", "items": {"type": "integer"}}}},
        "models.TokenResponse": {"type": "object", "properties": {"access_token": {"type": "string"}, "token_type": {"type": "string"}, "expires_in": {"type": "integer"}, "refresh_token": {"type": "string"}}},
        "models.VerifyRequest": {"type": "object", "properties": {"token": {"type": "string"}, "token_type": {"type": "string"}}},
        "models.VerifyResponse": {"type": "object", "properties": {"valid": {"type": "boolean"}, "claims": {"type": "object"}, "message": {"type": "string"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Token Service API",
	Description:      "Trust root for user and service tokens: issuance, verification, revocation and signing key rotation.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
