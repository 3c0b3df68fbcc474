package toolutil

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// PrettyJSON pretty-prints a JSON body with color; non-JSON bodies are
// returned unchanged.
func PrettyJSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return body
	}
	var obj any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	f := colorjson.NewFormatter()
	f.Indent = 2
	if s, err := f.Marshal(obj); err == nil {
		return s
	}
	return body
}

var seqCounter atomic.Int64

// Interpolate fills telemetry placeholders in a simulated payload:
// {temp} is a random reading between 15.0 and 30.0, {seq} a per-process
// counter and {nowtime} the current RFC3339 timestamp.
func Interpolate(payload string) string {
	if strings.Contains(payload, "{temp}") {
		payload = strings.ReplaceAll(payload, "{temp}", fmt.Sprintf("%.1f", 15+rand.Float64()*15))
	}
	if strings.Contains(payload, "{seq}") {
		payload = strings.ReplaceAll(payload, "{seq}", strconv.FormatInt(seqCounter.Add(1), 10))
	}
	if strings.Contains(payload, "{nowtime}") {
		payload = strings.ReplaceAll(payload, "{nowtime}", time.Now().Format(time.RFC3339))
	}
	return payload
}

// --- Colored message printer (shared across tools) ---

// KV represents a single key-value pair to print under a section.
type KV struct {
	Key   string
	Value string
}

// MessageSection groups related key-value pairs under a titled section.
type MessageSection struct {
	Title string
	Items []KV
}

var printCounter int = 0
var printCountMutex = sync.Mutex{}

func getNextPrintCount() int {
	printCountMutex.Lock()
	defer printCountMutex.Unlock()
	printCounter++
	return printCounter
}

// PrintColoredMessage prints a colored, consistently formatted message with
// sections and body. Section titles are highlighted; items are aligned as
// key: value; JSON bodies are pretty-printed.
func PrintColoredMessage(title string, sections []MessageSection, body []byte) {
	black := color.New(color.FgBlack).Add(color.ResetUnderline).PrintfFunc()
	blue := color.New(color.FgHiBlue).Add(color.Underline).PrintfFunc()
	white := color.New(color.FgWhite).Add(color.ResetUnderline).PrintfFunc()

	count := getNextPrintCount()
	black("\n-------- Message %d --------\n", count)
	black(time.Now().Format(time.RFC3339) + "\n")
	if title != "" {
		blue("%s:\n", title)
	}

	for _, s := range sections {
		if s.Title != "" {
			blue("%s:\n", s.Title)
		}
		for _, kv := range s.Items {
			white("  %s: %s\n", kv.Key, kv.Value)
		}
	}

	blue("Body:\n")
	white("%s\n\n", PrettyJSON(body))
}

// --- Shared CLI flag helpers ---

// AddDeviceFlags adds the device identity and credential flags.
func AddDeviceFlags(cmd *cobra.Command, device, username, password *string) {
	cmd.Flags().StringVar(device, "device", "dev-1", "Device uid")
	cmd.Flags().StringVar(username, "username", "", "Device username")
	cmd.Flags().StringVar(password, "password", "", "Device password")
}

// AddPayloadFlag adds the payload flag with placeholder support.
func AddPayloadFlag(cmd *cobra.Command, payload *string, def string) {
	if def == "" {
		def = "{temp}"
	}
	cmd.Flags().StringVar(payload, "payload", def, "Payload to send (supports placeholders: {temp},{seq},{nowtime})")
}

// AddIntervalFlag adds a common interval flag for periodic actions.
func AddIntervalFlag(cmd *cobra.Command, interval *string, def string) {
	if def == "" {
		def = "5s"
	}
	cmd.Flags().StringVar(interval, "interval", def, "Interval between actions, e.g. 2s, 500ms, 1m")
}

// Note: tool-specific flags (e.g. broker/address) should be defined in the tool files.
