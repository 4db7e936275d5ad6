// Command client sends framed messages read from stdin, one per line, and
// prints each reply. Lines shorter than the minimum payload are padded with
// spaces.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Zereker/msgframe"
	"github.com/Zereker/msgframe/internal/logconfig"
)

const minPayload = msgframe.MinFrameSize - msgframe.PrefixSize

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:12345", "server address")
		proxy   = flag.String("proxy", "", "optional proxy url, e.g. socks5://127.0.0.1:9050")
		order   = flag.String("byte-order", "native", "length prefix byte order: native, big or little")
		timeout = flag.Duration("timeout", 5*time.Second, "time to wait for each reply")
		level   = flag.String("log-level", "warn", "trace, debug, info, warn or error")
	)
	flag.Parse()

	logger, err := logconfig.New(os.Stderr, *level)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(2)
	}

	var dialOpts []msgframe.DialOption
	if *proxy != "" {
		dialOpts = append(dialOpts, msgframe.DialProxyOption(*proxy))
	}
	dialOpts = append(dialOpts, msgframe.DialTimeoutOption(10*time.Second))

	stream, err := msgframe.Dial(context.Background(), "tcp", *addr, dialOpts...)
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer stream.Conn().Close()

	frameOpts := []msgframe.FrameOption{msgframe.WithLogger(logger)}
	switch *order {
	case "big":
		frameOpts = append(frameOpts, msgframe.WithByteOrder(binary.BigEndian))
	case "little":
		frameOpts = append(frameOpts, msgframe.WithByteOrder(binary.LittleEndian))
	}

	reader, err := msgframe.NewFrameReader(stream, frameOpts...)
	if err != nil {
		logger.Error("create reader", "error", err)
		os.Exit(1)
	}
	writer := msgframe.NewFrameWriter(stream.Conn(), frameOpts...)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if pad := minPayload - len(line); pad > 0 {
			line = append(line, bytes.Repeat([]byte(" "), pad)...)
		}

		if err := writer.WriteFrame(line); err != nil {
			logger.Error("send", "error", err)
			os.Exit(1)
		}

		res, err := reader.ReadTimeout(*timeout)
		if err != nil {
			logger.Error("receive", "error", err)
			os.Exit(1)
		}

		switch res.Status {
		case msgframe.StatusClosed:
			logger.Info("server closed the connection")
			return
		case msgframe.StatusTimedOut:
			logger.Warn("no reply", "timeout", *timeout, "discarded", res.Discarded)
			if res.Discarded > 0 {
				os.Exit(1)
			}
			continue
		}

		fmt.Println(string(bytes.TrimRight(res.Payload, " ")))
	}
}
