package permastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
)

const maxRetries = 3
const sleepBetweenRetries = 2 * time.Second

// gatewayClient talks to an Irys-style bundler gateway:
//
//	GET  /price/{size}      -> price in base units, plain decimal body
//	GET  /account/balance   -> {"balance":"<decimal>"}
//	POST /tx                -> {"id":"..."}; tags in X-Tag-* headers
type gatewayClient struct {
	baseURL    string
	httpClient *http.Client
	// commits caps concurrent commit calls so one burst of finished uploads
	// cannot hold every connection for minutes.
	commits *semaphore.Weighted
}

// SetupGatewayClient installs a gateway-backed client using the configured
// base URL and timeouts.
func SetupGatewayClient() Client {
	c := &gatewayClient{
		baseURL: strings.TrimSuffix(config.Configuration.GatewayURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // per-request contexts carry the deadline
		},
		commits: semaphore.NewWeighted(config.Configuration.MaxConcurrentCommits),
	}
	client = c
	return c
}

func (c *gatewayClient) Quote(ctx context.Context, size int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Configuration.GatewayRequestTimout)
	defer cancel()

	body, err := c.get(ctx, fmt.Sprintf("%s/price/%d", c.baseURL, size))
	if err != nil {
		return 0, err
	}

	price, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, common.NewErrorf("backend_error", "Gateway returned an unparsable price: %v", err)
	}
	return price, nil
}

func (c *gatewayClient) Balance(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Configuration.GatewayRequestTimout)
	defer cancel()

	body, err := c.get(ctx, c.baseURL+"/account/balance")
	if err != nil {
		return 0, err
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, common.NewErrorf("backend_error", "Gateway returned an unparsable balance: %v", err)
	}
	balance, err := strconv.ParseInt(resp.Balance, 10, 64)
	if err != nil {
		return 0, common.NewErrorf("backend_error", "Gateway returned an unparsable balance: %v", err)
	}
	return balance, nil
}

func (c *gatewayClient) Commit(ctx context.Context, data io.Reader, size int64, tags []Tag) (*Receipt, error) {
	if err := c.commits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.commits.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", data)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for _, tag := range tags {
		req.Header.Add("X-Tag-"+tag.Name, tag.Value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewErrorf("commit_failed", "Commit call to the gateway failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewErrorf("commit_failed", "Error reading the gateway response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, common.NewErrorf("commit_failed", "Gateway rejected the commit (%d): %s",
			resp.StatusCode, string(body))
	}

	var receipt struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &receipt); err != nil || receipt.ID == "" {
		return nil, common.NewError("commit_failed", "Gateway returned no receipt id")
	}

	logging.Logger.Info("Committed to permanent storage",
		zap.String("receipt", receipt.ID),
		zap.Int64("size", size),
		zap.Duration("elapsed", time.Since(start)))

	return &Receipt{
		ID:  receipt.ID,
		URL: c.baseURL + "/" + receipt.ID,
	}, nil
}

// get a GET with a small retry loop; quote and balance reads are cheap and
// idempotent.
func (c *gatewayClient) get(ctx context.Context, url string) (body []byte, err error) {
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepBetweenRetries):
			}
		}

		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		var resp *http.Response
		resp, err = c.httpClient.Do(req)
		if err != nil {
			logging.Logger.Error("Gateway request failed", zap.String("url", url), zap.Error(err))
			continue
		}

		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			err = common.NewError("read_error", err.Error())
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err = common.NewErrorf("backend_error", "Error from the gateway (%d): %s",
				resp.StatusCode, string(body))
			continue
		}
		return body, nil
	}
	return nil, err
}
