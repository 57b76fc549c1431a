// Command nexusctl is a thin CLI wrapper over the nexusd admin RPC
// surface: one subcommand per RPC, translating flags into a JSON request
// and printing the JSON response.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/nexusfabric/nexus-engine/cmn/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type command struct {
	name    string
	method  string
	path    string
	usage   string
	build   func(fs *flag.FlagSet) (body interface{}, query map[string]string)
}

var commands = []command{
	{
		name: "create", method: http.MethodPost, path: "/v1/nexus",
		usage: "create -name NAME -uuid UUID -size BYTES -children u1,u2,...",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uuid := fs.String("uuid", "", "nexus uuid")
			size := fs.Uint64("size", 0, "size in bytes")
			children := fs.String("children", "", "comma-separated child URIs")
			mustParse(fs)
			return map[string]interface{}{
				"name": *name, "uuid": *uuid, "size_bytes": *size,
				"children": splitCSV(*children),
			}, nil
		},
	},
	{
		name: "destroy", method: http.MethodDelete, path: "/v1/nexus",
		usage: "destroy -name NAME",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			mustParse(fs)
			return nil, map[string]string{"name": *name}
		},
	},
	{
		name: "list", method: http.MethodGet, path: "/v1/nexus",
		usage: "list",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			mustParse(fs)
			return nil, nil
		},
	},
	{
		name: "publish", method: http.MethodPost, path: "/v1/nexus/publish",
		usage: "publish -name NAME -addr host:port",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			addr := fs.String("addr", "", "nvmf listen address")
			mustParse(fs)
			return map[string]string{"name": *name, "addr": *addr}, nil
		},
	},
	{
		name: "unpublish", method: http.MethodPost, path: "/v1/nexus/unpublish",
		usage: "unpublish -name NAME",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			mustParse(fs)
			return map[string]string{"name": *name}, nil
		},
	},
	{
		name: "add-child", method: http.MethodPost, path: "/v1/nexus/child",
		usage: "add-child -name NAME -uri URI [-norebuild]",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			norebuild := fs.Bool("norebuild", false, "skip scheduling a rebuild")
			mustParse(fs)
			return map[string]interface{}{
				"name": *name, "uri": *uri, "no_rebuild": *norebuild,
			}, nil
		},
	},
	{
		name: "remove-child", method: http.MethodDelete, path: "/v1/nexus/child",
		usage: "remove-child -name NAME -uri URI",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			mustParse(fs)
			return nil, map[string]string{"name": *name, "uri": *uri}
		},
	},
	{
		name: "online", method: http.MethodPost, path: "/v1/nexus/child/op",
		usage: "online -name NAME -uri URI",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			mustParse(fs)
			return map[string]interface{}{"name": *name, "uri": *uri, "action": 1}, nil
		},
	},
	{
		name: "offline", method: http.MethodPost, path: "/v1/nexus/child/op",
		usage: "offline -name NAME -uri URI",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			mustParse(fs)
			return map[string]interface{}{"name": *name, "uri": *uri, "action": 0}, nil
		},
	},
	{
		name: "retire", method: http.MethodPost, path: "/v1/nexus/child/op",
		usage: "retire -name NAME -uri URI",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			mustParse(fs)
			return map[string]interface{}{"name": *name, "uri": *uri, "action": 2}, nil
		},
	},
	{
		name: "inject-add", method: http.MethodPost, path: "/v1/inject",
		usage: "inject-add -uri 'inject://<dev>?domain=...&op=...&stage=...'",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			uri := fs.String("uri", "", "inject:// spec uri")
			mustParse(fs)
			return map[string]string{"uri": *uri}, nil
		},
	},
	{
		name: "inject-remove", method: http.MethodDelete, path: "/v1/inject",
		usage: "inject-remove -uri URI",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			uri := fs.String("uri", "", "inject:// spec uri")
			mustParse(fs)
			return nil, map[string]string{"uri": *uri}
		},
	},
	{
		name: "inject-list", method: http.MethodGet, path: "/v1/inject",
		usage: "inject-list",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			mustParse(fs)
			return nil, nil
		},
	},
	{
		name: "fault", method: http.MethodPost, path: "/v1/nexus/child/fault",
		usage: "fault -name NAME -uri URI -reason REASON",
		build: func(fs *flag.FlagSet) (interface{}, map[string]string) {
			name := fs.String("name", "", "nexus name")
			uri := fs.String("uri", "", "child uri")
			reason := fs.String("reason", "unknown", "io_error|out_of_sync|by_client|admin_failed|no_space|timed_out|rpc_failure")
			mustParse(fs)
			return map[string]string{"name": *name, "uri": *uri, "reason": *reason}, nil
		},
	},
}

// cmdArgs holds the arguments after the verb; main sets it before any
// command's build runs.
var cmdArgs []string

func mustParse(fs *flag.FlagSet) {
	if err := fs.Parse(cmdArgs); err != nil {
		os.Exit(2)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nexusctl [-addr http://host:port] [-token JWT] <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:10124", "nexusd admin RPC base URL")
	token := flag.String("token", "", "bearer token for admin auth")
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Global flags (-addr/-token) must precede the subcommand; everything
	// after the verb belongs to the per-command FlagSet.
	globalArgs := os.Args[1:]
	var sub string
	for i := 0; i < len(globalArgs); i++ {
		a := globalArgs[i]
		if !strings.HasPrefix(a, "-") {
			sub = a
			cmdArgs = globalArgs[i+1:]
			globalArgs = globalArgs[:i]
			break
		}
		if !strings.Contains(a, "=") {
			i++ // both global flags take a value; skip it when given separately
		}
	}
	fs := flag.NewFlagSet("nexusctl", flag.ExitOnError)
	fs.StringVar(addr, "addr", *addr, "nexusd admin RPC base URL")
	fs.StringVar(token, "token", *token, "bearer token for admin auth")
	_ = fs.Parse(globalArgs)

	if sub == "" {
		usage()
		os.Exit(2)
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == sub {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "nexusctl: unknown command %q\n", sub)
		usage()
		os.Exit(2)
	}

	cmdFS := flag.NewFlagSet(sub, flag.ExitOnError)
	body, query := cmd.build(cmdFS)

	url := *addr + cmd.path
	if len(query) > 0 {
		vals := neturl.Values{}
		for k, v := range query {
			vals.Set(k, v)
		}
		url += "?" + vals.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			nlog.Fatalf("nexusctl: encode request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(cmd.method, url, reader)
	if err != nil {
		nlog.Fatalf("nexusctl: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		nlog.Fatalf("nexusctl: %v", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		nlog.Fatalf("nexusctl: read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "nexusctl: %s: %s\n", resp.Status, string(out))
		os.Exit(1)
	}
	if len(out) > 0 {
		fmt.Println(string(out))
	}
}
