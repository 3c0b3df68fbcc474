package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	toolutil "github.com/sandrolain/iot-gateway/testers/toolutil"
)

func main() {
	const tcpPrefix = "tcp://"
	const sslPrefix = "ssl://"
	root := &cobra.Command{
		Use:   "devicesim",
		Short: "Device telemetry simulator",
		Long:  "Simulates a device publishing periodic readings over mqtt, tcp or http.",
	}

	// MQTT command: publish to the external broker a worker subscribes to.
	var (
		mqttBroker   string
		mqttTopic    string
		mqttClientID string
		mqttUsername string
		mqttPassword string
		mqttQoS      int
		mqttPayload  string
		mqttInterval string
	)
	mqttCmd := &cobra.Command{
		Use:   "mqtt",
		Short: "Publish periodic readings to an MQTT broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasPrefix(mqttBroker, tcpPrefix) && !strings.HasPrefix(mqttBroker, sslPrefix) {
				mqttBroker = tcpPrefix + mqttBroker
			}
			if mqttClientID == "" {
				mqttClientID = fmt.Sprintf("devicesim-%d", time.Now().UnixNano())
			}
			opts := mqtt.NewClientOptions().AddBroker(mqttBroker).SetClientID(mqttClientID).SetAutoReconnect(true)
			if mqttUsername != "" {
				opts.SetUsername(mqttUsername).SetPassword(mqttPassword)
			}
			client := mqtt.NewClient(opts)
			if token := client.Connect(); token.Wait() && token.Error() != nil {
				return fmt.Errorf("MQTT connection error: %w", token.Error())
			}
			defer client.Disconnect(250)

			dur, err := time.ParseDuration(mqttInterval)
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			ticker := time.NewTicker(dur)
			defer ticker.Stop()

			fmt.Printf("Connected to %s, topic: %s\n", mqttBroker, mqttTopic)

			for range ticker.C {
				body := toolutil.Interpolate(mqttPayload)
				token := client.Publish(mqttTopic, byte(mqttQoS), false, body)
				token.Wait()
				if token.Error() != nil {
					fmt.Fprintf(os.Stderr, "Publish error: %v\n", token.Error())
				} else {
					fmt.Printf("Reading sent to %s (%d bytes)\n", mqttTopic, len(body))
				}
			}
			return nil
		},
	}
	mqttCmd.Flags().StringVar(&mqttBroker, "broker", "tcp://localhost:1883", "MQTT broker URL (tcp://host:port)")
	mqttCmd.Flags().StringVar(&mqttTopic, "topic", "device/data", "MQTT topic to publish to")
	mqttCmd.Flags().IntVar(&mqttQoS, "qos", 0, "MQTT QoS level (0,1,2)")
	mqttCmd.Flags().StringVar(&mqttClientID, "clientid", "", "Client ID (auto if empty)")
	mqttCmd.Flags().StringVar(&mqttUsername, "username", "", "Broker username")
	mqttCmd.Flags().StringVar(&mqttPassword, "password", "", "Broker password")
	toolutil.AddPayloadFlag(mqttCmd, &mqttPayload, "{temp}")
	toolutil.AddIntervalFlag(mqttCmd, &mqttInterval, "5s")

	// TCP command: line protocol against a tcp node. The first line carries
	// the credentials, every following line is one reading. The listener
	// drops sessions silent for more than 10s, so keep the interval short.
	var (
		tcpAddress  string
		tcpDevice   string
		tcpUsername string
		tcpPassword string
		tcpPayload  string
		tcpInterval string
	)
	tcpCmd := &cobra.Command{
		Use:   "tcp",
		Short: "Stream periodic readings over a raw TCP session",
		RunE: func(cmd *cobra.Command, args []string) error {
			dur, err := time.ParseDuration(tcpInterval)
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}

			conn, err := net.Dial("tcp", tcpAddress)
			if err != nil {
				return fmt.Errorf("TCP connection error: %w", err)
			}
			defer conn.Close()

			if _, err := fmt.Fprintf(conn, "uid:%s:%s:%s\n", tcpDevice, tcpUsername, tcpPassword); err != nil {
				return fmt.Errorf("failed to send auth line: %w", err)
			}
			fmt.Printf("Connected to %s as %s\n", tcpAddress, tcpDevice)

			ticker := time.NewTicker(dur)
			defer ticker.Stop()

			for range ticker.C {
				body := toolutil.Interpolate(tcpPayload)
				if _, err := fmt.Fprintln(conn, body); err != nil {
					return fmt.Errorf("session closed: %w", err)
				}
				fmt.Printf("Reading sent (%d bytes)\n", len(body))
			}
			return nil
		},
	}
	tcpCmd.Flags().StringVar(&tcpAddress, "address", "localhost:9005", "TCP node address (host:port)")
	toolutil.AddDeviceFlags(tcpCmd, &tcpDevice, &tcpUsername, &tcpPassword)
	toolutil.AddPayloadFlag(tcpCmd, &tcpPayload, "{temp}")
	toolutil.AddIntervalFlag(tcpCmd, &tcpInterval, "5s")

	// HTTP command: POST readings to an http node handler endpoint.
	var (
		httpAddress  string
		httpDevice   string
		httpUsername string
		httpPassword string
		httpPayload  string
		httpInterval string
	)
	httpCmd := &cobra.Command{
		Use:   "http",
		Short: "POST periodic readings to an HTTP node",
		RunE: func(cmd *cobra.Command, args []string) error {
			dur, err := time.ParseDuration(httpInterval)
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			url := strings.TrimSuffix(httpAddress, "/") + "/handler"
			authHeader := "Basic " + base64.StdEncoding.EncodeToString([]byte(httpUsername+":"+httpPassword))

			ticker := time.NewTicker(dur)
			defer ticker.Stop()

			fmt.Printf("Sending readings to %s every %s\n", url, dur)

			for range ticker.C {
				body, err := json.Marshal(map[string]string{"data": toolutil.Interpolate(httpPayload)})
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to encode body: %v\n", err)
					continue
				}

				r := fasthttp.AcquireRequest()
				w := fasthttp.AcquireResponse()
				r.Header.SetMethod(fasthttp.MethodPost)
				r.SetRequestURI(url)
				r.Header.SetContentType("application/json")
				r.Header.Set("device_id", httpDevice)
				r.Header.Set(fasthttp.HeaderAuthorization, authHeader)
				r.SetBody(body)

				var client fasthttp.Client
				err = client.Do(r, w)
				status := w.StatusCode()
				fasthttp.ReleaseRequest(r)
				fasthttp.ReleaseResponse(w)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Request error: %v\n", err)
					continue
				}
				fmt.Printf("Reading sent (%d bytes), status %d\n", len(body), status)
			}
			return nil
		},
	}
	httpCmd.Flags().StringVar(&httpAddress, "address", "http://localhost:8080", "HTTP node base address, e.g. http://localhost:8080")
	toolutil.AddDeviceFlags(httpCmd, &httpDevice, &httpUsername, &httpPassword)
	toolutil.AddPayloadFlag(httpCmd, &httpPayload, "{temp}")
	toolutil.AddIntervalFlag(httpCmd, &httpInterval, "5s")

	root.AddCommand(mqttCmd, tcpCmd, httpCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
