// Command chatnode runs one LAN chat node: UDP discovery, a TCP
// listener for peer connections, and the message/file-transfer/search
// services built on top of them. It is the composition root — the
// only place every internal package is wired together — following the
// flag-parse-then-run shape of zeromq-gyre's cmd/monitor, including its
// os/signal-driven shutdown and its log.Printf-per-event main loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/Triwalt/flykylin-chatnode/internal/ai"
	"github.com/Triwalt/flykylin-chatnode/internal/config"
	"github.com/Triwalt/flykylin-chatnode/internal/connmgr"
	"github.com/Triwalt/flykylin-chatnode/internal/discovery"
	"github.com/Triwalt/flykylin-chatnode/internal/groupchat"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/message"
	"github.com/Triwalt/flykylin-chatnode/internal/netif"
	"github.com/Triwalt/flykylin-chatnode/internal/search"
	"github.com/Triwalt/flykylin-chatnode/internal/store"
	"github.com/Triwalt/flykylin-chatnode/internal/transfer"
)

const defaultTCPPort = 52781

var (
	tcpPort         = flag.Int("tcp-port", defaultTCPPort, "TCP port to listen on for peer connections; 0 lets the OS assign one")
	discoveryPort   = flag.Int("discovery-port", discovery.DefaultPort, "UDP port for the discovery beacon")
	loopbackDiscard = flag.Bool("loopback-discovery", false, "disable self-origin filtering, for testing multiple nodes on one host")
	userName        = flag.String("user-name", "", "override the persisted display name")
	downloadDir     = flag.String("download-dir", "", "override the default file-transfer download directory")
	dataDir         = flag.String("data-dir", "", "override the app-data directory used for settings and chat history")
	autoAcceptFiles = flag.Bool("auto-accept-files", false, "automatically accept incoming file transfers")
	autoAcceptImage = flag.Bool("auto-accept-images", true, "automatically accept incoming image transfers")
	verbose         = flag.Bool("verbose", false, "enable debug-level logging")
)

func main() {
	flag.Parse()

	logOpts := logging.DefaultOptions()
	if *verbose {
		logOpts.Level = slog.LevelDebug
	}
	log := slog.New(logging.New(os.Stderr, logOpts))

	if err := run(log); err != nil {
		log.Error("chatnode exited with error", "error", err)
		os.Exit(1)
	}
}

// flagIdentityProvider implements identity.Provider from the
// -user-name flag. Avatar selection has no CLI equivalent; a real
// front end would implement identity.Provider itself instead.
type flagIdentityProvider struct{ userName string }

func (p flagIdentityProvider) Profile(ctx context.Context) (string, string) {
	return p.userName, ""
}

func run(log *slog.Logger) error {
	appDir, err := resolveAppDataDir()
	if err != nil {
		return fmt.Errorf("resolve app data dir: %w", err)
	}

	profilePath := filepath.Join(appDir, "user_profile.json")
	var provider *flagIdentityProvider
	if *userName != "" {
		provider = &flagIdentityProvider{userName: *userName}
	}
	profile, err := bootstrapProfile(profilePath, provider, log)
	if err != nil {
		return fmt.Errorf("bootstrap profile: %w", err)
	}
	if *downloadDir != "" {
		profile.DownloadDirectory = *downloadDir
	}

	st := store.New(filepath.Join(appDir, "chat.db"), log)
	if !st.Init() {
		return fmt.Errorf("chat store init failed")
	}
	defer st.Close()

	netifs := netif.New(netif.DefaultRefreshInterval, log)
	netifs.Start()
	defer netifs.Stop()

	listener, actualPort, err := listenTCP(*tcpPort)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	defer listener.Close()

	conns := connmgr.New(log)
	defer conns.Stop()

	groups := groupchat.New(log)
	restoreGroups(groups, st)

	msgSvc := message.NewService(profile.UserID, conns, st, groups, log)
	msgSvc.Start()
	defer msgSvc.Stop()

	var classifier ai.ImageClassifier // no implementation wired; nil disables NSFW gating
	transferSvc := transfer.NewService(profile.UserID, conns, msgSvc, transfer.Options{
		AutoAcceptFiles:  *autoAcceptFiles,
		AutoAcceptImages: *autoAcceptImage,
		DownloadDir:      profile.DownloadDirectory,
		ImageClassifier:  classifier,
	}, log)
	msgSvc.SetFileHandler(transferSvc)

	var embedder ai.TextEmbedder // no implementation wired; semantic search falls back to keyword order
	searchSvc := search.NewService(st, embedder, log)
	_ = searchSvc // exercised by a future RPC/CLI front end; kept wired and ready here

	localIP := advertisedIP(netifs)
	identity := discovery.Identity{
		UserID:    profile.UserID,
		UserName:  profile.UserName,
		IPAddress: localIP,
		TCPPort:   actualPort,
		OsType:    runtime.GOOS,
		Version:   "1.0.0",
	}
	disc := discovery.New(identity, netifs, log, discovery.WithPort(*discoveryPort), discovery.WithLoopback(*loopbackDiscard))
	if err := disc.Start(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer disc.Stop()

	log.Info("chatnode started",
		"user_id", profile.UserID, "user_name", profile.UserName,
		"tcp_port", actualPort, "discovery_port", *discoveryPort)

	go acceptLoop(listener, conns, disc, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case e, ok := <-disc.Events:
			if !ok {
				return nil
			}
			handleDiscoveryEvent(e, st, conns, log)

		case e, ok := <-msgSvc.Events:
			if !ok {
				return nil
			}
			log.Info("message event", "type", e.Type, "from", e.Message.FromUserID, "to", e.Message.ToUserID)

		case e, ok := <-transferSvc.Events:
			if !ok {
				return nil
			}
			log.Info("transfer event", "type", e.Type, "transfer_id", e.TransferID, "peer_id", e.PeerID, "reason", e.Reason)

		case <-sigCh:
			log.Info("shutting down")
			return nil
		}
	}
}

// bootstrapProfile adapts config.Bootstrap's identity.Provider
// parameter, which this command only needs when -user-name was set.
func bootstrapProfile(path string, provider *flagIdentityProvider, log *slog.Logger) (config.Profile, error) {
	now := time.Now().UnixMilli()
	if provider == nil {
		return config.Bootstrap(path, nil, now, log)
	}
	return config.Bootstrap(path, *provider, now, log)
}

func resolveAppDataDir() (string, error) {
	if *dataDir != "" {
		return *dataDir, nil
	}
	return config.AppDataDir()
}

func listenTCP(port int) (net.Listener, uint16, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, 0, err
	}
	addr := ln.Addr().(*net.TCPAddr)
	return ln, uint16(addr.Port), nil
}

// acceptLoop adopts inbound sockets into the connection manager. The
// wire protocol has no handshake frame identifying the caller, so the
// accepted socket's IP is matched against discovery's known-peer table
// (populated from UDP beacons, which always carry the sender's
// address) to recover a peer id; a socket from an unrecognized
// address is closed immediately.
func acceptLoop(ln net.Listener, conns *connmgr.Manager, disc *discovery.Service, log *slog.Logger) {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			return
		}
		peerID, ok := matchPeerByAddr(netConn.RemoteAddr(), disc)
		if !ok {
			log.Warn("rejecting incoming connection from unknown peer", "remote_addr", netConn.RemoteAddr())
			netConn.Close()
			continue
		}
		if err := conns.AddIncoming(peerID, netConn); err != nil {
			log.Warn("failed to adopt incoming connection", "peer_id", peerID, "error", err)
			netConn.Close()
		}
	}
}

func matchPeerByAddr(addr net.Addr, disc *discovery.Service) (string, bool) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	for _, p := range disc.KnownPeers() {
		if p.IPAddress == host {
			return p.UserID, true
		}
	}
	return "", false
}

func handleDiscoveryEvent(e discovery.Event, st *store.Store, conns *connmgr.Manager, log *slog.Logger) {
	switch e.Type {
	case discovery.PeerDiscovered, discovery.PeerHeartbeat:
		st.UpsertPeer(store.PeerInfo{
			UserID:    e.Peer.UserID,
			UserName:  e.Peer.UserName,
			IPAddress: e.Peer.IPAddress,
			TCPPort:   e.Peer.Port,
			LastSeen:  e.Peer.Timestamp,
		}, e.Peer.Timestamp)
		if _, known := conns.State(e.Peer.UserID); !known {
			if err := conns.ConnectToPeer(e.Peer.UserID, e.Peer.IPAddress, e.Peer.Port); err != nil {
				log.Debug("opportunistic connect failed", "peer_id", e.Peer.UserID, "error", err)
			}
		}
	case discovery.PeerOffline:
		conns.HandlePeerOffline(e.Peer.UserID)
	}
}

// restoreGroups seeds the in-memory group directory from the store's
// groups/group_members tables. Nothing in the running node writes those
// tables, so groups registered at runtime are not restored after a
// restart.
func restoreGroups(groups *groupchat.Manager, st *store.Store) {
	for groupID, g := range st.LoadGroups() {
		groups.RegisterGroup(groupID, g.Members, g.OwnerID)
	}
}

// advertisedIP picks the first non-loopback local address to announce
// in this node's discovery beacons.
func advertisedIP(netifs *netif.Cache) string {
	for _, addr := range netifs.LocalAddresses() {
		if !strings.Contains(addr, ":") { // prefer IPv4
			return addr
		}
	}
	if addrs := netifs.LocalAddresses(); len(addrs) > 0 {
		return addrs[0]
	}
	return "127.0.0.1"
}
