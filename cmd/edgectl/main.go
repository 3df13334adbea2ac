// Command edgectl is a thin CLI for introspecting a running edge proxy's
// readiness and refresh-task state over its backstage HTTP endpoints.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("edgectl", pflag.ExitOnError)
	addr := fs.String("addr", "http://localhost:3063", "base URL of the edge proxy's backstage API")
	fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgectl [--addr URL] <ready|health|tasks>")
		os.Exit(2)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var path string
	switch fs.Arg(0) {
	case "ready":
		path = "/internal-backstage/ready"
	case "health":
		path = "/internal-backstage/health"
	case "tasks":
		path = "/internal-backstage/tasks"
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		os.Exit(2)
	}

	resp, err := client.Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var pretty interface{}
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
