// Command echodemo is a thin driver exercising the library end to end over
// a real UDP socket: a reliable-ordered channel carries chat messages,
// echoed back by a side started with --echo. It is not part
// of the library's public surface — just a runnable example wiring config,
// logging, and a Connection together the way an application would.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/mas-bandwidth/yojimbo-sub001/bits"
	"github.com/mas-bandwidth/yojimbo-sub001/config"
	"github.com/mas-bandwidth/yojimbo-sub001/message"
	"github.com/mas-bandwidth/yojimbo-sub001/rlog"
	"github.com/mas-bandwidth/yojimbo-sub001/rmetrics"

	yconn "github.com/mas-bandwidth/yojimbo-sub001/conn"
)

const chatMessageType = 0

type chatMessage struct {
	message.Base
	Text string
}

func (m *chatMessage) Serialize(s *bits.Stream) bool { return s.SerializeString(&m.Text, 1024) }

func newFactory() *message.Factory {
	f := message.NewFactory(1)
	f.Register(chatMessageType, func() message.Message {
		return &chatMessage{Base: message.NewBase(chatMessageType)}
	})
	return f
}

func main() {
	listenAddr := pflag.String("listen", ":40000", "local UDP address to bind")
	peerAddr := pflag.String("peer", "", "remote UDP address to send to (client mode if set)")
	configPath := pflag.String("config", "", "path to a connection TOML config (defaults used if empty)")
	echo := pflag.Bool("echo", false, "echo every received message back to the sender")
	metricsAddr := pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	pflag.Parse()

	logger, err := rlog.New(rlog.DefaultOptions())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cfg config.File
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalw("failed to load config", "error", err)
		}
	} else {
		cfg = config.Default()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		logger.Fatalw("invalid listen address", "error", err)
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Fatalw("failed to bind socket", "error", err)
	}
	defer socket.Close()

	var remote *net.UDPAddr
	if *peerAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", *peerAddr)
		if err != nil {
			logger.Fatalw("invalid peer address", "error", err)
		}
	}

	factory := newFactory()
	connection, err := yconn.New(cfg.Connection, cfg.Endpoint, factory, 0, func(data []byte) error {
		if remote == nil {
			return nil // haven't heard from a peer yet, nothing to send to
		}
		_, err := socket.WriteToUDP(data, remote)
		return err
	}, logger)
	if err != nil {
		logger.Fatalw("failed to build connection", "error", err)
	}

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics, err := rmetrics.New(registry, connection.ID.String())
		if err != nil {
			logger.Fatalw("failed to register metrics", "error", err)
		}
		connection.SetMetrics(metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
	}

	go readIncoming(socket, connection, &remote, logger)

	if pflag.NArg() > 0 {
		// One-shot mode: send each CLI argument as a chat message.
		for _, arg := range pflag.Args() {
			sendChat(connection, factory, arg, logger)
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		for scanner.Scan() {
			sendChat(connection, factory, scanner.Text(), logger)
		}
	}()

	for range ticker.C {
		connection.AdvanceTime(time.Since(start).Seconds())
		if _, err := connection.GeneratePacket(); err != nil {
			logger.Errorw("failed to generate packet", "error", err)
		}
		for {
			m, ok := connection.ReceiveMessage(0)
			if !ok {
				break
			}
			chat := m.(*chatMessage)
			logger.Infow("received chat message", "text", chat.Text)
			if *echo {
				sendChat(connection, factory, "echo: "+chat.Text, logger)
			}
		}
		if connection.Faulted() {
			level, ferr := connection.Fault()
			logger.Fatalw("connection faulted", "level", level, "error", ferr)
		}
	}
}

func sendChat(connection *yconn.Connection, factory *message.Factory, text string, logger interface{ Errorw(string, ...interface{}) }) {
	m, err := factory.Create(chatMessageType)
	if err != nil {
		logger.Errorw("failed to create message", "error", err)
		return
	}
	m.(*chatMessage).Text = text
	if err := connection.SendMessage(0, m); err != nil {
		logger.Errorw("failed to send message", "error", err)
	}
}

func readIncoming(socket *net.UDPConn, connection *yconn.Connection, remote **net.UDPAddr, logger interface{ Errorw(string, ...interface{}) }) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := socket.ReadFromUDP(buf)
		if err != nil {
			logger.Errorw("udp read failed", "error", err)
			return
		}
		if *remote == nil {
			*remote = addr
		}
		if err := connection.ProcessPacket(buf[:n]); err != nil {
			logger.Errorw("failed to process packet", "error", err)
		}
	}
}
