package grid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/i5heu/ouroboros-grid/internal/config"
	"github.com/i5heu/ouroboros-grid/internal/framedRPC"
	"github.com/i5heu/ouroboros-grid/internal/storageHTTP"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyServer   = "server"
	logKeyURL      = "url"
	logKeyProtocol = "protocol"
	logKeyError    = "error"
)

// Open builds a Node from a loaded configuration and connects to the
// configured servers. Servers that cannot be reached are logged and left
// out; uploads and downloads then work with the rest.
func Open(ctx context.Context, c config.Config, log *slog.Logger) (*Node, error) {
	params, err := c.EncodingParams()
	if err != nil {
		return nil, err
	}
	n, err := New(Config{
		BaseDir:    c.Node.BaseDir,
		Params:     params,
		RPCTimeout: c.Client.RPCTimeout,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	var refs []interfaces.ServerRef
	for _, sc := range c.Client.Servers {
		ref, closer, err := Connect(ctx, sc)
		if err != nil {
			n.log.Warn("storage server unavailable",
				logKeyServer, sc.Nickname, logKeyURL, sc.URL, logKeyProtocol, sc.Protocol, logKeyError, err)
			continue
		}
		if closer != nil {
			n.OnClose(closer)
		}
		refs = append(refs, ref)
	}
	n.SetServers(refs)
	n.log.Info("grid node ready", "servers", len(refs), "k", params.K, "happy", params.Happy, "n", params.N)
	return n, nil
}

// Connect reaches one configured server. The returned func, when non-nil,
// closes the connection.
func Connect(ctx context.Context, sc config.ServerConfig) (interfaces.ServerRef, func() error, error) {
	id := hashutil.ServerIDFromName(sc.URL)
	if sc.ID != "" {
		var err error
		if id, err = model.ParseServerID(sc.ID); err != nil {
			return interfaces.ServerRef{}, nil, err
		}
	}
	ref := interfaces.ServerRef{ID: id, Nickname: sc.Nickname}

	switch sc.Protocol {
	case "", "http":
		ref.Server = storageHTTP.NewClient(sc.URL, []byte(sc.Swissnum), storageHTTP.WithHTTPClient(&http.Client{}))
		return ref, nil, nil
	case "framed":
		c, err := framedRPC.Dial(ctx, hostPort(sc.URL), sc.Swissnum)
		if err != nil {
			return interfaces.ServerRef{}, nil, err
		}
		ref.Server = c
		return ref, c.Close, nil
	}
	return interfaces.ServerRef{}, nil, fmt.Errorf("unknown protocol %q", sc.Protocol)
}

// hostPort accepts "host:port" or a URL such as "tcp://host:port".
func hostPort(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return u.Host
}
