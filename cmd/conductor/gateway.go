package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/fentz26/conductor/internal/models"
	"github.com/spf13/cobra"
)

var messageCmd = &cobra.Command{
	Use:     "message",
	Aliases: []string{"msg"},
	Short:   "Exchange messages with worker machines",
}

var messageSendCmd = &cobra.Command{
	Use:   "send [machine-id] [type]",
	Short: "Queue a message for a machine",
	Args:  cobra.ExactArgs(2),
	RunE:  runMessageSend,
}

var messageRequestCmd = &cobra.Command{
	Use:   "request [machine-id] [type]",
	Short: "Send a request and wait for the machine's reply",
	Args:  cobra.ExactArgs(2),
	RunE:  runMessageRequest,
}

var messageConsumeCmd = &cobra.Command{
	Use:   "consume [machine-id]",
	Short: "Drain a machine's inbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessageConsume,
}

var messageReplyCmd = &cobra.Command{
	Use:   "reply [request-id] [json]",
	Short: "Answer a pending request",
	Args:  cobra.ExactArgs(2),
	RunE:  runMessageReply,
}

var (
	messagePayload string
	messageTimeout int
)

func init() {
	messageCmd.AddCommand(messageSendCmd, messageRequestCmd, messageConsumeCmd, messageReplyCmd)

	for _, c := range []*cobra.Command{messageSendCmd, messageRequestCmd} {
		c.Flags().StringVar(&messagePayload, "payload", "{}", "JSON object payload")
	}
	messageRequestCmd.Flags().IntVar(&messageTimeout, "timeout", 0, "Seconds to wait for a reply (daemon default when 0)")
}

func parsePayload() (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(messagePayload), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func runMessageSend(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload()
	if err != nil {
		return err
	}
	resp, err := apiPost("/machines/"+url.PathEscape(args[0])+"/messages", map[string]any{
		"type":    args[1],
		"payload": payload,
	})
	if err != nil {
		return err
	}
	var env models.Envelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return err
	}
	fmt.Printf("Queued %s (%s)\n", env.ID, env.Type)
	return nil
}

func runMessageRequest(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload()
	if err != nil {
		return err
	}
	// The daemon holds the request open until the reply or timeout.
	apiClient.Timeout = 0
	resp, err := apiPost("/machines/"+url.PathEscape(args[0])+"/requests", map[string]any{
		"type":            args[1],
		"payload":         payload,
		"timeout_seconds": messageTimeout,
	})
	if err != nil {
		return err
	}
	var reply struct {
		Replied bool            `json:"replied"`
		Reply   json.RawMessage `json:"reply"`
	}
	if err := json.Unmarshal(resp, &reply); err != nil {
		return err
	}
	if !reply.Replied {
		fmt.Fprintln(os.Stderr, "No reply before timeout")
		return nil
	}
	fmt.Println(string(reply.Reply))
	return nil
}

func runMessageConsume(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/machines/" + url.PathEscape(args[0]) + "/messages")
	if err != nil {
		return err
	}
	var envs []models.Envelope
	if err := json.Unmarshal(resp, &envs); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, env := range envs {
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
	return nil
}

func runMessageReply(cmd *cobra.Command, args []string) error {
	var body json.RawMessage
	if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
		return fmt.Errorf("reply must be valid JSON: %w", err)
	}
	if _, err := apiPost("/replies/"+url.PathEscape(args[0]), body); err != nil {
		return err
	}
	fmt.Printf("Delivered reply to %s\n", args[0])
	return nil
}
