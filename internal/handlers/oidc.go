package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

// DiscoveryDocument is the subset of OpenID provider metadata verifiers
// need to locate keys and check tokens.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	JwksURI                          string   `json:"jwks_uri"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	ServiceTokenEndpoint             string   `json:"service_token_endpoint"`
	ServiceTokenRenewalEndpoint      string   `json:"service_token_renewal_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	TokenTypesSupported              []string `json:"token_types_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// DiscoveryHandler serves the provider metadata document.
type DiscoveryHandler struct {
	document []byte
}

// NewDiscoveryHandler renders the document once for baseURL.
func NewDiscoveryHandler(baseURL, issuer string) (*DiscoveryHandler, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	doc := DiscoveryDocument{
		Issuer:                           issuer,
		JwksURI:                          baseURL + "/.well-known/jwks.json",
		TokenEndpoint:                    baseURL + "/v1/auth/login",
		ServiceTokenEndpoint:             baseURL + "/v1/service-tokens",
		ServiceTokenRenewalEndpoint:      baseURL + "/v1/service-tokens/renew",
		RevocationEndpoint:               baseURL + "/v1/tokens/revoke",
		IDTokenSigningAlgValuesSupported: []string{"EdDSA"},
		TokenTypesSupported:              []string{"user_access", "user_refresh", "service"},
		ClaimsSupported: []string{
			"sub",
			"iss",
			"aud",
			"exp",
			"iat",
			"jti",
			"typ",
			"scp",
			"attrs",
			"serviceName",
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return &DiscoveryHandler{document: data}, nil
}

// HandleDiscovery handles GET /.well-known/openid-configuration
// @Summary     Provider metadata
// @Description Locates the JWKS and token endpoints and lists the signing algorithm.
// @Tags        discovery
// @Produce     application/json
// @Success     200 {object} handlers.DiscoveryDocument
// @Router      /.well-known/openid-configuration [get]
func (h *DiscoveryHandler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(h.document)
}
