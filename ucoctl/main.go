package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/unifiedcontext/uco/uco"
)

const UcoCtlVersion = "0.1.0"

const DefaultConnectUrl = "wss://uco.unifiedcontext.dev/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Unified context control.

The default url is:
    connect_url: %s

Usage:
    ucoctl watch [--connect_url=<connect_url>] [--session=<session>]
        [--storage_dir=<storage_dir>]
        [--no_subscribe]
    ucoctl send [--connect_url=<connect_url>] [--session=<session>]
        [--storage_dir=<storage_dir>]
        [--role=<role>]
        <message>
    ucoctl session [--connect_url=<connect_url>] [--storage_dir=<storage_dir>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --connect_url=<connect_url>
    --session=<session>          Session credential. Prompted when absent
                                 and nothing resolves from storage.
    --storage_dir=<storage_dir>  Credential storage directory.
    --role=<role>                Conversation role [default: user].
    --no_subscribe               Do not subscribe to field updates.`,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], UcoCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if session_, _ := opts.Bool("session"); session_ {
		session(opts)
	}
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	view := client.View()
	removeListener := view.AddSnapshotListener(func(snapshot *uco.Snapshot) {
		Out.Printf("[%d] %s", snapshot.Timestamp, snapshot.Views.Summary)
		for _, fact := range snapshot.Facts {
			Out.Printf("    %s", fact)
		}
	})
	defer removeListener()

	client.Connect()

	sigQuit := make(chan os.Signal, 1)
	signal.Notify(sigQuit, syscall.SIGINT, syscall.SIGTERM)
	<-sigQuit
}

func send(opts docopt.Opts) {
	message, _ := opts.String("<message>")
	role, _ := opts.String("--role")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	client.Connect()

	establishedCtx, establishedCancel := context.WithTimeout(cancelCtx, 15*time.Second)
	defer establishedCancel()
	if _, err := client.Transport().NextFrame(establishedCtx, uco.MessageTypeConnectionEstablished); err != nil {
		Err.Printf("no connection: %s", err)
		os.Exit(1)
	}

	if err := client.View().AddConversation(message, "text", role); err != nil {
		Err.Printf("send error: %s", err)
		os.Exit(1)
	}

	ackCtx, ackCancel := context.WithTimeout(cancelCtx, 15*time.Second)
	defer ackCancel()
	if _, err := client.Transport().NextFrame(ackCtx, uco.MessageTypeUcoConversationAdded); err != nil {
		Err.Printf("no ack: %s", err)
		os.Exit(1)
	}
	Out.Printf("sent")
}

func session(opts docopt.Opts) {
	connectUrl := connectUrl(opts)
	store := newStore(opts)
	source := &uco.SessionSource{
		ConnectUrl: connectUrl,
		Store:      store,
	}
	if sessionId, ok := uco.ResolveSession(source); ok {
		Out.Printf("%s", sessionId)
	} else {
		Out.Printf("no session resolves")
		os.Exit(1)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *uco.Client {
	connectUrl := connectUrl(opts)

	settings := uco.DefaultClientSettings()
	if storageDir, err := opts.String("--storage_dir"); err == nil && storageDir != "" {
		settings.StorageDir = storageDir
	}
	if noSubscribe_, _ := opts.Bool("--no_subscribe"); noSubscribe_ {
		settings.Synchronizer.AutoSubscribe = false
	}

	client, err := uco.NewClient(ctx, connectUrl, settings)
	if err != nil {
		Err.Printf("client error: %s", err)
		os.Exit(1)
	}

	sessionId, err := opts.String("--session")
	if err != nil || sessionId == "" {
		source := &uco.SessionSource{
			ConnectUrl: connectUrl,
			Store:      client.Store(),
		}
		if _, ok := uco.ResolveSession(source); !ok {
			sessionId = promptSession()
		}
	}
	if sessionId != "" {
		client.Store().SetAuthRecord(&uco.AuthRecord{
			Authenticated: true,
			SessionId:     sessionId,
		})
	}

	return client
}

func connectUrl(opts docopt.Opts) string {
	if connectUrl, err := opts.String("--connect_url"); err == nil && connectUrl != "" {
		return connectUrl
	}
	return DefaultConnectUrl
}

func newStore(opts docopt.Opts) *uco.CredentialStore {
	var persistentScope uco.Storage
	if storageDir, err := opts.String("--storage_dir"); err == nil && storageDir != "" {
		pebbleStorage, err := uco.NewPebbleStorage(storageDir)
		if err != nil {
			Err.Printf("storage error: %s", err)
			os.Exit(1)
		}
		persistentScope = pebbleStorage
	}
	return uco.NewCredentialStore(uco.NewMemoryStorage(), persistentScope)
}

func promptSession() string {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Print("session: ")
	sessionBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(sessionBytes))
}
