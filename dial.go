package msgframe

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// ErrProxyDialer is returned when the configured proxy cannot dial with a context.
var ErrProxyDialer = errors.New("proxy dialer does not support contexts")

type dialOptions struct {
	proxyURL    string
	timeout     time.Duration
	readTimeout time.Duration
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// DialProxyOption routes the connection through a proxy, for example
// "socks5://127.0.0.1:9050".
func DialProxyOption(rawURL string) DialOption {
	return func(o *dialOptions) {
		o.proxyURL = rawURL
	}
}

// DialTimeoutOption bounds connection setup.
func DialTimeoutOption(timeout time.Duration) DialOption {
	return func(o *dialOptions) {
		o.timeout = timeout
	}
}

// DialReadTimeoutOption sets the initial read timeout of the returned Stream,
// which becomes the baseline of a FrameReader built on it.
func DialReadTimeoutOption(timeout time.Duration) DialOption {
	return func(o *dialOptions) {
		o.readTimeout = timeout
	}
}

// Dial connects to addr and returns a Stream ready for NewFrameReader.
// The caller closes the connection through Stream.Conn.
func Dial(ctx context.Context, network, addr string, opt ...DialOption) (*Stream, error) {
	var opts dialOptions
	for _, o := range opt {
		o(&opts)
	}

	dialer, err := contextDialer(opts)
	if err != nil {
		return nil, err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	stream := NewStream(conn)
	if err := stream.SetReadTimeout(opts.readTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return stream, nil
}

func contextDialer(opts dialOptions) (proxy.ContextDialer, error) {
	direct := &net.Dialer{}
	if opts.proxyURL == "" {
		return direct, nil
	}

	u, err := url.Parse(opts.proxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy url")
	}

	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dialer")
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, ErrProxyDialer
	}
	return cd, nil
}
