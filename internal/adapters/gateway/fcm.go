package gateway

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.PushNotifier = (*FCMNotifier)(nil)

// fcmMulticastLimit is the most tokens one SendEachForMulticast call accepts
const fcmMulticastLimit = 500

// fcmSender is the subset of *messaging.Client used here
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMNotifier delivers agent push notifications through Firebase Cloud Messaging
type FCMNotifier struct {
	client fcmSender
}

// NewFCMNotifier initializes the Firebase app from a service account file
func NewFCMNotifier(ctx context.Context, projectID, credentialsPath string) (*FCMNotifier, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}

	slog.Info("Firebase messaging initialized", "project_id", projectID)
	return &FCMNotifier{client: client}, nil
}

// Send pushes to a single device token
func (n *FCMNotifier) Send(ctx context.Context, token string, msg domain.PushMessage) error {
	_, err := n.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

// Multicast pushes to many tokens in chunks and returns how many were accepted
func (n *FCMNotifier) Multicast(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error) {
	sent := 0
	for start := 0; start < len(tokens); start += fcmMulticastLimit {
		end := min(start+fcmMulticastLimit, len(tokens))

		resp, err := n.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: tokens[start:end],
			Notification: &messaging.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
		})
		if err != nil {
			return sent, fmt.Errorf("fcm multicast: %w", err)
		}

		sent += resp.SuccessCount
		if resp.FailureCount > 0 {
			slog.Warn("Some push tokens were rejected",
				"failed", resp.FailureCount,
				"batch_size", end-start,
			)
		}
	}
	return sent, nil
}
