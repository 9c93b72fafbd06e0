package search

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUpstreamStatus wraps every non-2xx answer from a search or page host.
var ErrUpstreamStatus = errors.New("unexpected upstream status")

const errorBodyLimit = 2048

// checkStatus returns an ErrUpstreamStatus error naming target and carrying
// the start of the body when resp is not 2xx.
func checkStatus(target string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return fmt.Errorf("%s: %w %d: %s", target, ErrUpstreamStatus, resp.StatusCode, msg)
}
