package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
)

func generateRandomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	encoded := base64.URLEncoding.EncodeToString(b)
	return encoded[:length]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
