package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/tidwall/gjson"
)

// AppointmentClient calls the appointment service on behalf of the saga.
type AppointmentClient struct {
	baseURL string
	client  *http.Client
}

// NewAppointmentClient builds a client for baseURL. Timeouts come from the
// caller's context, so client should not carry its own.
func NewAppointmentClient(baseURL string, client *http.Client) *AppointmentClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &AppointmentClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Confirm links the payment of job to its appointment. Transport failures,
// timeouts and 5xx answers are upstream errors; a 4xx answer keeps the kind
// the appointment service reported.
func (c *AppointmentClient) Confirm(ctx context.Context, job Job, token string) error {
	path, field := "/confirm", "payment_id"
	if job.Kind == KindInspectionFee {
		path, field = "/inspection-payment", "inspection_payment_id"
	}
	body, err := json.Marshal(map[string]string{"payment_id": job.PaymentID})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/appointments/" + url.PathEscape(job.AppointmentID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Upstream(err, "appointment service timed out")
		}
		return apperr.Upstream(err, "appointment service unreachable")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Upstream(err, "read appointment service response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if got := gjson.GetBytes(raw, field).String(); got != job.PaymentID {
			return apperr.Upstream(nil, "appointment service answered %s=%q, want %q", field, got, job.PaymentID)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return apperr.New(kindForStatus(resp.StatusCode), "appointment service rejected confirmation: %s", msg)
	default:
		return apperr.Upstream(nil, "appointment service returned status %d", resp.StatusCode)
	}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.KindValidation
	case http.StatusUnauthorized:
		return apperr.KindUnauthenticated
	case http.StatusForbidden:
		return apperr.KindAuthorization
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return apperr.KindUpstreamUnavailable
	default:
		return apperr.KindValidation
	}
}
