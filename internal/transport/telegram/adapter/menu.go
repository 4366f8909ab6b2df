package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	kit "terminbot/internal/transport"
	logx "terminbot/pkg/logx"
)

// Telegram's documented setMyCommands limits.
const (
	wireMenuMaxCommands = 100
	wireMenuMaxDescLen  = 256
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newMenuClient() httpDoer {
	return &http.Client{Timeout: 8 * time.Second}
}

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// UpdateMenuCommands pushes the command list to Telegram (setMyCommands).
// The list is fingerprinted so a resync with unchanged commands costs no
// network call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuFingerprint(cmds)
	if sum == a.menuHash {
		return nil
	}

	wire := make([]menuCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > wireMenuMaxDescLen {
			desc = desc[:wireMenuMaxDescLen]
		}
		wire = append(wire, menuCommand{Command: c.Command, Description: desc})
		if len(wire) >= wireMenuMaxCommands {
			break
		}
	}

	if err := a.postSetMyCommands(ctx, wire); err != nil {
		return err
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(wire)))
	return nil
}

func menuFingerprint(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, c.Description)
	}
	return h.Sum64()
}

// postSetMyCommands goes straight to the HTTP API: telebot's typed
// surface for menu commands lags the methods this needs.
func (a *Adapter) postSetMyCommands(ctx context.Context, wire []menuCommand) error {
	body, err := json.Marshal(struct {
		Commands []menuCommand `json:"commands"`
	}{Commands: wire})
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.httpc
	if client == nil {
		client = newMenuClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiResp)

	if resp.StatusCode/100 != 2 || !apiResp.OK {
		if apiResp.Description != "" {
			return fmt.Errorf("setMyCommands: %s (code=%d http=%d)",
				apiResp.Description, apiResp.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("setMyCommands: http status %d", resp.StatusCode)
	}
	return nil
}
