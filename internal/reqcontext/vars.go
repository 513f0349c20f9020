package reqcontext

import "github.com/precog-cx/connector-harness/internal/expr"

// Vars builds the layered variable resolver described in §4.1's
// resolution order: system variables, then authy values, then
// extracted data, then credentials. First hit wins.
func (c Context) Vars() expr.Vars {
	return expr.Chain{
		c.systemVars(),
		expr.MapVars(c.AuthState.AuthyValues),
		expr.MapVars(c.ExtractedData),
		credentialVars(c.Credentials),
	}
}

func (c Context) systemVars() expr.Vars {
	m := expr.MapVars{}
	for k, v := range c.SystemVariables {
		m[k] = v
	}
	if m["wsk_to_rsk_client_id"] == nil {
		if v, ok := c.Credentials["Client Id"]; ok {
			m["wsk_to_rsk_client_id"] = v
		}
	}
	if m["wsk_to_rsk_client_secret"] == nil {
		if v, ok := c.Credentials["Client Secret"]; ok {
			m["wsk_to_rsk_client_secret"] = v
		}
	}
	if c.AuthState.AccessToken != "" {
		m["wsk_to_rsk_auth_token"] = c.AuthState.AccessToken
	}
	if c.AuthState.RefreshToken != "" {
		m["wsk_to_rsk_refresh_token"] = c.AuthState.RefreshToken
	}
	if m["wsk_to_rsk_oauth2_code"] == nil {
		if v, ok := c.ExtractedData["code"]; ok {
			if s, ok := v.(string); ok {
				m["wsk_to_rsk_oauth2_code"] = s
			}
		}
	}
	return m
}

func credentialVars(creds map[string]string) expr.Vars {
	m := make(expr.MapVars, len(creds))
	for k, v := range creds {
		m[k] = v
	}
	return m
}
