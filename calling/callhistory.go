/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tejzpr/callmesh/meshsdk"
)

// HistoryClient submits and lists call history records.
type HistoryClient struct {
	core   *meshsdk.Client
	config *Config
}

func newHistoryClient(core *meshsdk.Client, config *Config) *HistoryClient {
	return &HistoryClient{
		core:   core,
		config: config,
	}
}

// Validate checks the fields the server requires.
func (r *HistoryRecord) Validate() error {
	switch {
	case r == nil:
		return errors.New("record is required")
	case (r.PeerID == "") == (r.RoomID == ""):
		return errors.New("exactly one of peerId and roomId is required")
	case r.Status == "":
		return errors.New("status is required")
	case r.Direction == "":
		return errors.New("direction is required")
	}
	return nil
}

func (c *HistoryClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// Submit stores one record and returns it as the server saved it.
func (c *HistoryClient) Submit(ctx context.Context, rec *HistoryRecord) (*HistoryRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithRetry(ctx, http.MethodPost, "call-history", nil, rec)
	if err != nil {
		return nil, fmt.Errorf("error submitting call history: %w", err)
	}

	var saved HistoryRecord
	if err := meshsdk.ParseResponse(resp, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// List returns the most recent records, newest first. max <= 0 uses the
// server default.
func (c *HistoryClient) List(ctx context.Context, max int) (*HistoryPage, error) {
	params := url.Values{}
	if max > 0 {
		params.Set("max", strconv.Itoa(max))
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "call-history", params, nil)
	if err != nil {
		return nil, fmt.Errorf("error listing call history: %w", err)
	}

	page, err := meshsdk.NewPage(resp, c.core)
	if err != nil {
		return nil, err
	}

	historyPage := &HistoryPage{
		Page:  page,
		Items: make([]HistoryRecord, len(page.Items)),
	}
	for i, item := range page.Items {
		if err := json.Unmarshal(item, &historyPage.Items[i]); err != nil {
			return nil, fmt.Errorf("error parsing call history item: %w", err)
		}
	}
	return historyPage, nil
}
