package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

type DiscordUser struct {
	ID         string  `json:"id"`
	Username   string  `json:"username"`
	GlobalName *string `json:"global_name"`
}

func (a *API) getDiscordUser(ctx context.Context, token *oauth2.Token) (*DiscordUser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.userURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "kifubot/1.0 (+https://github.com/susu3304/kifubot)")

	resp, err := a.oauthConfig.Client(ctx, token).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	var user DiscordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func getUsername(user *DiscordUser) string {
	if user.GlobalName != nil && *user.GlobalName != "" {
		return *user.GlobalName
	}
	return user.Username
}
