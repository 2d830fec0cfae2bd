package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Tierflow server URL")
	session := flag.String("session", "cli", "Session ID to chat in")
	flag.Parse()

	fmt.Println("Tierflow CLI")
	fmt.Printf("Server: %s | Session: %s\n", *server, *session)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /state, /ledger, /turns, /checkpoints, /approvals, /halt [reason],")
	fmt.Println("          /rollback <step>, /persona <id>, /approve <id>, /reject <id>,")
	fmt.Println("          /modify <id> <json-args>")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if strings.HasPrefix(input, "/") {
			runCommand(*server, *session, input)
			continue
		}

		sendMessage(*server, *session, input)
	}
}

func runCommand(server, session, input string) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/state":
		show(server, "/api/sessions/"+session)
	case "/ledger":
		show(server, "/api/sessions/"+session+"/ledger")
	case "/turns":
		show(server, "/api/sessions/"+session+"/turns")
	case "/checkpoints":
		show(server, "/api/sessions/"+session+"/checkpoints")
	case "/approvals":
		show(server, "/api/approvals")
	case "/halt":
		reason := "operator request"
		if len(fields) > 1 {
			reason = strings.Join(fields[1:], " ")
		}
		post(server, "/api/sessions/"+session+"/halt", map[string]string{"reason": reason})
	case "/rollback":
		if len(fields) != 2 {
			printError("usage: /rollback <step>")
			return
		}
		step, err := strconv.Atoi(fields[1])
		if err != nil {
			printError("bad step %q", fields[1])
			return
		}
		post(server, "/api/sessions/"+session+"/rollback", map[string]int{"step": step})
	case "/persona":
		if len(fields) != 2 {
			printError("usage: /persona <id>")
			return
		}
		put(server, "/api/sessions/"+session+"/persona", map[string]string{"persona_id": fields[1]})
	case "/approve", "/reject":
		if len(fields) != 2 {
			printError("usage: %s <approval-id>", fields[0])
			return
		}
		post(server, "/api/approvals/"+fields[1]+"/resolve", map[string]string{
			"decision":    strings.TrimPrefix(fields[0], "/"),
			"resolved_by": "flowctl",
		})
	case "/modify":
		if len(fields) < 3 {
			printError("usage: /modify <approval-id> <json-args>")
			return
		}
		var args map[string]any
		raw := strings.Join(fields[2:], " ")
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			printError("bad args: %v", err)
			return
		}
		post(server, "/api/approvals/"+fields[1]+"/resolve", map[string]any{
			"decision":    "modify",
			"args":        args,
			"resolved_by": "flowctl",
		})
	default:
		printError("unknown command %s", fields[0])
	}
}

func sendMessage(server, session, content string) {
	body, _ := json.Marshal(map[string]string{"message": content})

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(
		server+"/api/sessions/"+session+"/messages",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}

	var result struct {
		Status        string `json:"status"`
		Content       string `json:"content"`
		Tier          string `json:"tier"`
		RoutingMethod string `json:"routing_method"`
		CacheHit      bool   `json:"cache_hit"`
		Escalated     bool   `json:"escalated"`
		ApprovalID    string `json:"approval_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}

	if result.ApprovalID != "" {
		fmt.Printf("\033[33m[suspended]\033[0m waiting on approval %s (use /approve or /reject)\n", result.ApprovalID)
		return
	}
	if result.Status == "HALTED" {
		fmt.Println("\033[33m[halted]\033[0m turn stopped before completion")
		return
	}

	tag := result.Tier
	if result.CacheHit {
		tag = "cache"
	}
	if result.Escalated {
		tag += ",escalated"
	}
	fmt.Printf("\033[36m[%s]\033[0m %s\n", tag, result.Content)
}

func show(server, path string) {
	resp, err := http.Get(server + path)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

func post(server, path string, body interface{}) {
	b, _ := json.Marshal(body)
	resp, err := http.Post(server+path, "application/json", bytes.NewReader(b))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	printResponse(resp)
}

func put(server, path string, body interface{}) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("PUT", server+path, bytes.NewReader(b))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
