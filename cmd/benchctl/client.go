// Grounded on the teacher's cmd/cli's thin HTTP-client-over-api package
// shape (the CLI never talks to the cluster directly, only through the
// api package's client helpers) - generalized here into a small
// self-contained client since this subsystem's api package is server-side
// only (spec §6).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/stats"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{}}
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := jsoniter.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = jsoniter.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("benchctl: %s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return jsoniter.NewDecoder(resp.Body).Decode(out)
}

func (c *client) startBenchmark(ctx context.Context, def *cmn.BenchmarkDefinition) (string, error) {
	var out struct {
		BenchmarkID string `json:"benchmark_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_bench", def, &out); err != nil {
		return "", err
	}
	return out.BenchmarkID, nil
}

func (c *client) listBenchmarks(ctx context.Context) ([]*cmn.Entry, error) {
	var out []*cmn.Entry
	err := c.do(ctx, http.MethodGet, "/_bench", nil, &out)
	return out, err
}

func (c *client) status(ctx context.Context, id string) (*cmn.Entry, error) {
	var out cmn.Entry
	if err := c.do(ctx, http.MethodGet, "/_bench/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) result(ctx context.Context, id string) (*stats.BenchmarkResult, error) {
	var out stats.BenchmarkResult
	if err := c.do(ctx, http.MethodGet, "/_bench/"+id+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) pause(ctx context.Context, id string) error  { return c.act(ctx, "pause", id) }
func (c *client) resume(ctx context.Context, id string) error { return c.act(ctx, "resume", id) }
func (c *client) abort(ctx context.Context, id string) error  { return c.act(ctx, "abort", id) }

func (c *client) act(ctx context.Context, action, id string) error {
	return c.do(ctx, http.MethodPost, "/_bench/"+action+"/"+id, nil, nil)
}
