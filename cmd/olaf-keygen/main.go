// Command olaf-keygen inspects or generates the identity keypair files a
// relay or neighbourhood entry expects, named "{host}_{port}_{public,
// private}_key.pem".
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/olafproto/relay/pkg/idpersist"
	"github.com/olafproto/relay/pkg/relay"
)

var opt struct {
	Dir  string
	Help bool
}

func init() {
	pflag.StringVarP(&opt.Dir, "dir", "d", "./keys", "Directory to read or write key files in")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 2 || opt.Help {
		fmt.Printf("usage: %s [options] host port\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	host := pflag.Arg(0)
	port, err := strconv.Atoi(pflag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid port %q: %v\n", pflag.Arg(1), err)
		os.Exit(1)
	}

	kp, err := idpersist.LoadOrGenerate(opt.Dir, host, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load or generate keypair: %v\n", err)
		os.Exit(1)
	}

	id := relay.NewIdentity(kp.PublicPEM)

	fmt.Printf("host:port     %s:%d\n", host, port)
	fmt.Printf("keys dir      %s\n", opt.Dir)
	fmt.Printf("fingerprint   %s\n", id.Fingerprint())
	fmt.Print(string(kp.PublicPEM))
}
