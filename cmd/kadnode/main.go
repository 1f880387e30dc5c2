// Command kadnode is a thin demo/CLI wiring the dht facade over a real TCP
// transport: generate or load an identity, listen, optionally bootstrap to
// a peer, optionally run one put/get/provide/find-providers operation,
// then serve requests until interrupted. Grounded on the corpus's
// stdlib-flag thin-main convention (cmd/abidump in the retrieved pack)
// rather than a third-party flag/CLI library, since nothing else in the
// corpus pulls one in for a binary this small.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kadcore/dht/dht"
	"github.com/kadcore/dht/net"
	"github.com/kadcore/dht/peer"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:0", "address to listen on")
		bootstrap  = flag.String("bootstrap", "", "hex-id@host:port of a peer to seed the routing table with")
		seedHex    = flag.String("seed", "", "hex-encoded 32-byte seed for a reproducible identity (random if empty)")
		putKey     = flag.String("put", "", "key to put (requires -value)")
		putValue   = flag.String("value", "", "value to store with -put")
		getKey     = flag.String("get", "", "key to get and print")
		provideCID = flag.String("provide", "", "content id to announce as a provider for")
		findCID    = flag.String("find-providers", "", "content id to look up providers for")
		count      = flag.Int("count", 5, "max providers to collect with -find-providers (0 = unbounded)")
		opTimeout  = flag.Duration("timeout", 15*time.Second, "timeout for the requested operation")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "[flags]")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nStarts a DHT node, optionally bootstraps to a peer, runs at most\none requested operation, then serves requests until interrupted.")
	}
	flag.Parse()

	id, err := identityFor(*seedHex)
	if err != nil {
		die(err)
	}

	book := peer.NewMapAddressBook()
	transport := net.NewTCPTransport(book)

	node, err := dht.New(dht.Config{
		Self:        id.ID,
		Transport:   transport,
		AddressBook: book,
	})
	if err != nil {
		die(err)
	}
	defer node.Close()

	ln, err := net.Listen(*listenAddr, node.HandleStream)
	if err != nil {
		die(err)
	}
	defer ln.Close()
	fmt.Fprintf(os.Stderr, "kadnode %s listening on %s\n", id.ID.String(), ln.Addr())

	if *bootstrap != "" {
		bid, baddr, err := parseBootstrap(*bootstrap)
		if err != nil {
			die(err)
		}
		book.AddAddrs(bid, []peer.Addr{peer.Addr(baddr)})
		node.RoutingTable().Add(bid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *opTimeout)
	runOperation(ctx, node, *putKey, *putValue, *getKey, *provideCID, *findCID, *count, *opTimeout)
	cancel()

	waitForSignal()
}

func runOperation(ctx context.Context, node *dht.DHT, putKey, putValue, getKey, provideCID, findCID string, count int, timeout time.Duration) {
	switch {
	case putKey != "":
		if err := node.Put(ctx, []byte(putKey), []byte(putValue)); err != nil {
			die(err)
		}
		fmt.Println("put ok")
	case getKey != "":
		rec, err := node.Get(ctx, []byte(getKey), timeout)
		if err != nil {
			die(err)
		}
		fmt.Println(string(rec.Value))
	case provideCID != "":
		if err := node.Provide(ctx, []byte(provideCID)); err != nil {
			die(err)
		}
		fmt.Println("provide ok")
	case findCID != "":
		peers, err := node.FindProviders(ctx, []byte(findCID), count, timeout)
		if err != nil {
			die(err)
		}
		for _, p := range peers {
			fmt.Println(p.String())
		}
	}
}

func identityFor(seedHex string) (*peer.Identity, error) {
	if seedHex == "" {
		return peer.NewIdentity()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decoding -seed: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("-seed must decode to 32 bytes, got %d", len(seed))
	}
	return peer.IdentityFromSeed(seed), nil
}

// parseBootstrap splits "hex-id@host:port" into a peer.ID and address.
func parseBootstrap(s string) (peer.ID, string, error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return "", "", fmt.Errorf("-bootstrap must be hex-id@host:port, got %q", s)
	}
	idHex, addr := s[:at], s[at+1:]
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return "", "", fmt.Errorf("decoding bootstrap id: %w", err)
	}
	return peer.ID(raw), addr, nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func die(err error) {
	fmt.Fprintln(os.Stderr, "kadnode:", err)
	os.Exit(1)
}
