// relayctl is a command-line client for the relayd control surface.
package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/relayd/internal/localrpc"
)

const usage = `relayctl: control a running relayd.

Usage:
  relayctl [options] status
  relayctl [options] freeze <id>...
  relayctl [options] send [--retry=<interval>]... <id>...
  relayctl [options] remove <id>...
  relayctl [options] recover <id>...
  relayctl [options] set-max-concurrent-send-jobs <n>
  relayctl -h | --help

Options:
  -s=<path>, --socket=<path>  Path to the relayd RPC socket [default: /var/lib/relayd/rpc.sock]
  -h --help                   Show this help.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	socket, _ := opts.String("--socket")
	client := localrpc.NewClient(socket)

	switch {
	case isTrue(opts, "status"):
		status(client)
	case isTrue(opts, "freeze"):
		ids := stringSlice(opts, "<id>")
		callWithIDs(client, "Freeze", ids, nil)
	case isTrue(opts, "send"):
		ids := stringSlice(opts, "<id>")
		retries := stringSlice(opts, "--retry")
		callWithIDs(client, "Send", ids, retries)
	case isTrue(opts, "remove"):
		ids := stringSlice(opts, "<id>")
		callWithIDs(client, "Remove", ids, nil)
	case isTrue(opts, "recover"):
		ids := stringSlice(opts, "<id>")
		recover_(client, ids)
	case isTrue(opts, "set-max-concurrent-send-jobs"):
		n, _ := opts.String("<n>")
		setMaxConcurrentSendJobs(client, n)
	}
}

func isTrue(opts docopt.Opts, key string) bool {
	v, err := opts.Bool(key)
	return err == nil && v
}

func stringSlice(opts docopt.Opts, key string) []string {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil
	}
	ss, ok := v.([]string)
	if !ok {
		return nil
	}
	return ss
}

func status(client *localrpc.Client) {
	vs, err := client.Call("Status")
	if err != nil {
		fatalf("status: %v", err)
	}

	queues := []string{}
	for k := range vs {
		if strings.HasSuffix(k, "_count") {
			queues = append(queues, strings.TrimSuffix(k, "_count"))
		}
	}
	sort.Strings(queues)

	for _, q := range queues {
		fmt.Printf("%-10s count=%-6s oldest=%s\n",
			q, vs.Get(q+"_count"), vs.Get(q+"_oldest"))
	}
	if gen := vs.Get("generated_at"); gen != "" {
		fmt.Printf("generated at %s\n", gen)
	}
}

func callWithIDs(client *localrpc.Client, method string, ids, retries []string) {
	in := url.Values{}
	in.Set("ids", strings.Join(ids, ","))
	if len(retries) > 0 {
		in.Set("retry_intervals", strings.Join(retries, ","))
	}
	if _, err := client.CallWithValues(method, in); err != nil {
		fatalf("%s: %v", strings.ToLower(method), err)
	}
	fmt.Printf("ok\n")
}

func recover_(client *localrpc.Client, ids []string) {
	in := url.Values{}
	in.Set("ids", strings.Join(ids, ","))
	out, err := client.CallWithValues("Recover", in)
	if err != nil {
		fatalf("recover: %v", err)
	}
	fmt.Printf("ok, audit_ref=%s\n", out.Get("audit_ref"))
}

func setMaxConcurrentSendJobs(client *localrpc.Client, n string) {
	if _, err := client.Call("SetMaxConcurrentSendJobs", "n", n); err != nil {
		fatalf("set-max-concurrent-send-jobs: %v", err)
	}
	fmt.Printf("ok\n")
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
