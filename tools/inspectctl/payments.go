package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func stripeWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stripe-webhook",
		Short: "Send a signed Stripe payment_intent event to the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paymentID, _ := cmd.Flags().GetString("payment-id")
			evtType, _ := cmd.Flags().GetString("type")
			secret, _ := cmd.Flags().GetString("secret")
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret or STRIPE_WEBHOOK_SECRET is required")
			}
			if strings.TrimSpace(paymentID) == "" {
				return errors.New("--payment-id is required")
			}
			now := time.Now().UTC()
			payload, err := buildEventJSON(fmt.Sprintf("evt_test_%d", now.UnixNano()), stripe.EventType(evtType), now, paymentID)
			if err != nil {
				return err
			}
			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
				Payload:   payload,
				Secret:    secret,
				Timestamp: now,
				Scheme:    "v1",
			})
			return post(cmd, "/payment/webhooks/stripe", payload, map[string]string{"Stripe-Signature": signed.Header})
		},
	}
	cmd.Flags().String("payment-id", "", "payment id placed in metadata.payment_id")
	cmd.Flags().String("type", string(stripe.EventTypePaymentIntentSucceeded), "payment_intent.succeeded or payment_intent.payment_failed")
	cmd.Flags().String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "webhook signing secret (whsec_...)")
	return cmd
}

func confirmPaymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm-payment",
		Short: "Call POST /payment/confirm the way the payment provider does",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paymentID, _ := cmd.Flags().GetString("payment-id")
			if strings.TrimSpace(paymentID) == "" {
				return errors.New("--payment-id is required")
			}
			status, _ := cmd.Flags().GetString("status")
			txn, _ := cmd.Flags().GetString("transaction-id")
			body, err := json.Marshal(map[string]string{
				"payment_id":     paymentID,
				"status":         status,
				"transaction_id": txn,
			})
			if err != nil {
				return err
			}
			headers := map[string]string{}
			if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
				headers["X-Confirm-Secret"] = secret
			}
			return post(cmd, "/payment/confirm", body, headers)
		},
	}
	cmd.Flags().String("payment-id", "", "payment to confirm")
	cmd.Flags().String("status", "confirmed", "confirmed or failed")
	cmd.Flags().String("transaction-id", "", "provider transaction id")
	cmd.Flags().String("secret", getenv("PAYMENT_CONFIRM_SECRET", ""), "shared confirm secret, when the service requires one")
	return cmd
}

func buildEventJSON(eventID string, eventType stripe.EventType, t time.Time, paymentID string) ([]byte, error) {
	switch eventType {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	status := stripe.PaymentIntentStatusSucceeded
	if eventType == stripe.EventTypePaymentIntentPaymentFailed {
		status = stripe.PaymentIntentStatusRequiresPaymentMethod
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":     fmt.Sprintf("pi_test_%d", t.UnixNano()),
				"object": "payment_intent",
				"status": status,
				"metadata": map[string]string{
					"payment_id": paymentID,
				},
			},
		},
	})
}

func post(cmd *cobra.Command, path string, body []byte, headers map[string]string) error {
	baseURL, _ := cmd.Flags().GetString("base-url")
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Fprintf(cmd.OutOrStdout(), "status=%d\n%s\n", resp.StatusCode, bytes.TrimSpace(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
