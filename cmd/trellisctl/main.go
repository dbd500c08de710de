package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	engine := os.Getenv("TRELLIS_URL")
	if engine == "" {
		engine = "http://localhost:8080"
	}
	apiKey := os.Getenv("TRELLIS_API_KEY")

	switch os.Args[1] {
	case "flows":
		cmdFlows(engine, apiKey)
	case "execute":
		cmdExecute(engine, apiKey)
	case "runs":
		cmdRuns(engine, apiKey)
	case "vault":
		cmdVault(engine, apiKey)
	case "version":
		fmt.Printf("trellisctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Trellis CLI v` + version + `

Usage: trellisctl <command> [flags]

Commands:
  flows     List, import, export or delete flows
  execute   Execute a flow and wait for the result
  runs      List recent runs of a flow
  vault     Initialize, unlock, lock or inspect the vault
  version   Print version
  help      Show this help

Environment:
  TRELLIS_URL       Engine URL (default: http://localhost:8080)
  TRELLIS_API_KEY   API key sent as a bearer token

Examples:
  trellisctl flows list
  trellisctl flows import --file order-intake.yaml
  trellisctl flows export --id flow-orders --format yaml
  trellisctl execute --id flow-orders --input '{"order_id":"A-9"}'
  trellisctl runs --flow flow-orders --limit 10
  trellisctl vault unlock --seed "$TRELLIS_VAULT_SEED"`)
}

// ----------------------------------------------------------------
// flows command
// ----------------------------------------------------------------

func cmdFlows(engine, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: trellisctl flows <list|import|export|delete>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "list":
		resp, err := doRequest("GET", engine+"/api/flows", nil, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
			os.Exit(1)
		}
		var result struct {
			Flows []map[string]interface{} `json:"flows"`
		}
		json.Unmarshal(resp, &result)

		if len(result.Flows) == 0 {
			fmt.Println("No flows defined.")
			return
		}
		fmt.Printf("%-38s %-28s %-22s %s\n", "ID", "NAME", "SLUG", "ENABLED")
		fmt.Println("--------------------------------------------------------------------------------------------")
		for _, f := range result.Flows {
			fmt.Printf("%-38s %-28s %-22s %v\n", f["id"], f["name"], f["slug"], f["enabled"])
		}

	case "import":
		var file string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--file", "-f":
				i++
				if i < len(args) {
					file = args[i]
				}
			}
		}
		if file == "" {
			fmt.Fprintln(os.Stderr, "Usage: trellisctl flows import --file <flow.json|flow.yaml>")
			os.Exit(1)
		}
		body, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		resp, err := doRequest("POST", engine+"/api/flows/import", body, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Import failed: %v\n", err)
			os.Exit(1)
		}
		var flow map[string]interface{}
		json.Unmarshal(resp, &flow)
		fmt.Printf("✅ Imported flow %s (%s)\n", flow["id"], flow["name"])

	case "export":
		var id, format, out string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--id":
				i++
				if i < len(args) {
					id = args[i]
				}
			case "--format":
				i++
				if i < len(args) {
					format = args[i]
				}
			case "--out", "-o":
				i++
				if i < len(args) {
					out = args[i]
				}
			}
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "Usage: trellisctl flows export --id <flow-id> [--format yaml] [--out file]")
			os.Exit(1)
		}
		u := engine + "/api/flows/" + url.PathEscape(id) + "/export"
		if format != "" {
			u += "?format=" + url.QueryEscape(format)
		}
		resp, err := doRequest("GET", u, nil, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Export failed: %v\n", err)
			os.Exit(1)
		}
		if out == "" {
			os.Stdout.Write(resp)
			return
		}
		if err := os.WriteFile(out, resp, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Exported flow %s to %s\n", id, out)

	case "delete":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trellisctl flows delete <flow-id>")
			os.Exit(1)
		}
		id := os.Args[3]
		if _, err := doRequest("DELETE", engine+"/api/flows/"+url.PathEscape(id), nil, apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Delete failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("🗑️  Deleted flow %s\n", id)

	default:
		fmt.Fprintf(os.Stderr, "Unknown flows subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// execute command
// ----------------------------------------------------------------

func cmdExecute(engine, apiKey string) {
	var id, inputJSON string
	var emulate bool

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i < len(args) {
				id = args[i]
			}
		case "--input", "-i":
			i++
			if i < len(args) {
				inputJSON = args[i]
			}
		case "--emulate":
			emulate = true
		}
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: --id is required")
		os.Exit(1)
	}

	var input map[string]interface{}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			fmt.Fprintf(os.Stderr, "❌ --input is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}

	body, _ := json.Marshal(map[string]interface{}{
		"input":         input,
		"emulationMode": emulate,
	})

	resp, err := doRequest("POST", engine+"/api/flows/"+url.PathEscape(id)+"/execute", body, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	status, _ := result["status"].(string)
	switch status {
	case "completed":
		fmt.Printf("✅ completed | run=%s | %.0fms\n", result["executionId"], toFloat(result["durationMs"]))
	case "failed":
		fmt.Printf("⛔ failed | run=%s | %v\n", result["executionId"], result["error"])
	default:
		fmt.Printf("🔄 %s | run=%s\n", status, result["executionId"])
	}
	if out, ok := result["output"]; ok && out != nil {
		pretty, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(pretty))
	}
}

// ----------------------------------------------------------------
// runs command
// ----------------------------------------------------------------

func cmdRuns(engine, apiKey string) {
	var flowID string
	limit := 20

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--flow":
			i++
			if i < len(args) {
				flowID = args[i]
			}
		case "--limit", "-n":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &limit)
			}
		}
	}
	if flowID == "" {
		fmt.Fprintln(os.Stderr, "Usage: trellisctl runs --flow <flow-id> [--limit 20]")
		os.Exit(1)
	}

	u := fmt.Sprintf("%s/api/flows/%s/runs?limit=%d", engine, url.PathEscape(flowID), limit)
	resp, err := doRequest("GET", u, nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result struct {
		Runs []map[string]interface{} `json:"runs"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}
	fmt.Printf("%-38s %-11s %-10s %s\n", "RUN", "STATUS", "SOURCE", "STARTED")
	fmt.Println("------------------------------------------------------------------------------")
	for _, r := range result.Runs {
		fmt.Printf("%-38s %-11s %-10s %s\n", r["id"], r["status"], r["source"], r["startedAt"])
	}
}

// ----------------------------------------------------------------
// vault command
// ----------------------------------------------------------------

func cmdVault(engine, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: trellisctl vault <init|unlock|lock|status>")
		os.Exit(1)
	}

	seed := ""
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--seed", "-s":
			i++
			if i < len(args) {
				seed = args[i]
			}
		}
	}

	switch os.Args[2] {
	case "init":
		if seed == "" {
			fmt.Fprintln(os.Stderr, "Usage: trellisctl vault init --seed <master-seed>")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]string{"seed": seed})
		resp, err := doRequest("POST", engine+"/api/vault/init", body, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Init failed: %v\n", err)
			os.Exit(1)
		}
		var result map[string]interface{}
		json.Unmarshal(resp, &result)
		// The recovery code is shown once and never again; it is not stored.
		fmt.Printf("✅ Vault initialized (state: %s)\n", result["state"])
		fmt.Printf("Recovery code: %s\n", result["recoveryCode"])

	case "unlock":
		if seed == "" {
			fmt.Fprintln(os.Stderr, "Usage: trellisctl vault unlock --seed <master-seed>")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]string{"seed": seed})
		if _, err := doRequest("POST", engine+"/api/vault/unlock", body, apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Unlock failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("🔓 Vault unlocked")

	case "lock":
		if _, err := doRequest("POST", engine+"/api/vault/lock", nil, apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Lock failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("🔒 Vault locked")

	case "status":
		resp, err := doRequest("GET", engine+"/api/vault/status", nil, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
			os.Exit(1)
		}
		var result map[string]interface{}
		json.Unmarshal(resp, &result)
		fmt.Printf("Vault state: %s\n", result["state"])

	default:
		fmt.Fprintf(os.Stderr, "Unknown vault subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, apiKey string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
