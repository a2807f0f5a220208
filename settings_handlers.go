package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"anigate/work/config"
	"anigate/work/database"
	"anigate/work/logger"
	"anigate/work/resolver"
)

// serverSettingBody is the admin API's request and response shape for the
// custom server override.
type serverSettingBody struct {
	CustomServerURL string `json:"customServerUrl"`
}

// settingsAuthorized checks the admin password header against the configured
// bcrypt hash. An empty hash leaves the API open, matching a fresh install.
func settingsAuthorized(cfg *config.Config, r *http.Request) bool {
	if cfg.AdminPasswordHash == "" {
		return true
	}
	password := r.Header.Get("X-Admin-Password")
	return bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(password)) == nil
}

// handleGetServerSetting returns the persisted custom server URL, empty when
// none is set.
func handleGetServerSetting(cfg *config.Config, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !settingsAuthorized(cfg, r) {
			writeSettingsError(w, http.StatusUnauthorized, "invalid admin password")
			return
		}

		value, err := db.GetSetting(database.SettingCustomServer)
		if err != nil {
			logger.Error("{main - handleGetServerSetting} Failed to read setting: %v", err)
			writeSettingsError(w, http.StatusInternalServerError, "failed to read setting")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(serverSettingBody{CustomServerURL: value})
	}
}

// handlePutServerSetting stores or clears the custom server URL and resets
// the resolver so the next catalog call re-runs the fallback chain.
func handlePutServerSetting(cfg *config.Config, db *database.DB, res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !settingsAuthorized(cfg, r) {
			writeSettingsError(w, http.StatusUnauthorized, "invalid admin password")
			return
		}

		var body serverSettingBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeSettingsError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		value := strings.TrimRight(strings.TrimSpace(body.CustomServerURL), "/")
		if value == "" {
			if err := db.DeleteSetting(database.SettingCustomServer); err != nil {
				logger.Error("{main - handlePutServerSetting} Failed to clear setting: %v", err)
				writeSettingsError(w, http.StatusInternalServerError, "failed to clear setting")
				return
			}
		} else {
			u, err := url.Parse(value)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				writeSettingsError(w, http.StatusBadRequest, "customServerUrl must be an absolute http(s) URL")
				return
			}
			if err := db.SetSetting(database.SettingCustomServer, value); err != nil {
				logger.Error("{main - handlePutServerSetting} Failed to store setting: %v", err)
				writeSettingsError(w, http.StatusInternalServerError, "failed to store setting")
				return
			}
		}

		res.Reset()
		logger.Info("{main - handlePutServerSetting} Custom server updated, resolver reset")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(serverSettingBody{CustomServerURL: value})
	}
}

func writeSettingsError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
