package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	toolutil "github.com/sandrolain/iot-gateway/testers/toolutil"
)

func main() {
	var server string

	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Gateway fleet operator CLI",
		Long:  "Inspects gateway nodes and manages broker subscription configs through the control API of any MQTT node.",
	}
	root.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "Control API base URL")

	call := func(method, path string, body []byte) error {
		fullURL := strings.TrimSuffix(server, "/") + path

		r := fasthttp.AcquireRequest()
		w := fasthttp.AcquireResponse()
		defer func() {
			fasthttp.ReleaseRequest(r)
			fasthttp.ReleaseResponse(w)
		}()

		r.Header.SetMethod(method)
		r.SetRequestURI(fullURL)
		if len(body) > 0 {
			r.Header.SetContentType("application/json")
			r.SetBody(body)
		}

		client := fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := client.Do(r, w); err != nil {
			return fmt.Errorf("request error: %w", err)
		}

		sections := []toolutil.MessageSection{
			{Title: "Request", Items: []toolutil.KV{
				{Key: "URL", Value: fullURL},
				{Key: "Status", Value: strconv.Itoa(w.StatusCode())},
			}},
		}
		toolutil.PrintColoredMessage("Gateway", sections, w.Body())
		return nil
	}

	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes of every protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(fasthttp.MethodGet, "/node_list", nil)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-node session assignment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(fasthttp.MethodGet, "/node_using_status", nil)
		},
	}

	var configsScope string
	configsCmd := &cobra.Command{
		Use:   "configs",
		Short: "List broker configs in the assigned or unassigned pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configsScope != "use" && configsScope != "no" {
				return fmt.Errorf("scope must be use or no, got %q", configsScope)
			}
			return call(fasthttp.MethodGet, "/mqtt_config_list?scope="+configsScope, nil)
		},
	}
	configsCmd.Flags().StringVar(&configsScope, "scope", "use", "Pool to list: use (assigned) or no (pending)")

	var (
		createClientID string
		createBroker   string
		createPort     int
		createUsername string
		createPassword string
		createTopic    string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a broker subscription config for placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if createClientID == "" {
				return fmt.Errorf("clientid is required")
			}
			cfg := struct {
				Broker   string `json:"broker"`
				Port     int    `json:"port"`
				Username string `json:"username"`
				Password string `json:"password"`
				SubTopic string `json:"sub_topic"`
				ClientID string `json:"client_id"`
			}{
				Broker:   createBroker,
				Port:     createPort,
				Username: createUsername,
				Password: createPassword,
				SubTopic: createTopic,
				ClientID: createClientID,
			}
			body, err := json.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return call(fasthttp.MethodPost, "/public_create_mqtt", body)
		},
	}
	createCmd.Flags().StringVar(&createClientID, "clientid", "", "Client ID of the subscription (required)")
	createCmd.Flags().StringVar(&createBroker, "broker", "localhost", "External broker host")
	createCmd.Flags().IntVar(&createPort, "port", 1883, "External broker port")
	createCmd.Flags().StringVar(&createUsername, "username", "", "Broker username")
	createCmd.Flags().StringVar(&createPassword, "password", "", "Broker password")
	createCmd.Flags().StringVar(&createTopic, "topic", "device/data", "Topic to subscribe to")

	var removeClientID string
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a broker subscription config from the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if removeClientID == "" {
				return fmt.Errorf("clientid is required")
			}
			return call(fasthttp.MethodGet, "/public_remove_mqtt?id="+url.QueryEscape(removeClientID), nil)
		},
	}
	removeCmd.Flags().StringVar(&removeClientID, "clientid", "", "Client ID of the subscription (required)")

	root.AddCommand(nodesCmd, statusCmd, configsCmd, createCmd, removeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
