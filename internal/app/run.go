package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/sanctuary/internal/call"
	"github.com/petervdpas/sanctuary/internal/config"
	"github.com/petervdpas/sanctuary/internal/inbox"
	"github.com/petervdpas/sanctuary/internal/p2p"
	"github.com/petervdpas/sanctuary/internal/storage"
	"github.com/petervdpas/sanctuary/internal/util"
	"github.com/petervdpas/sanctuary/internal/viewer"
)

type Options struct {
	Dir         string
	CfgPath     string
	Cfg         config.Config
	OpenBrowser bool
}

// Run starts one peer from its folder and blocks until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := ConfigureLogging(cfg.Logging.Level); err != nil {
		return err
	}

	logs := viewer.NewLogBuffer(800)
	go logs.Follow(ctx)

	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var media call.MediaSource = call.ReceiveOnly{}
	var codecs *call.DeviceSource
	if cfg.Call.CaptureVideo || cfg.Call.CaptureAudio {
		dev, err := call.NewDeviceSource(call.CaptureOptions{
			Video: cfg.Call.CaptureVideo,
			Audio: cfg.Call.CaptureAudio,
		})
		if err != nil {
			log.Warnf("media capture unavailable, calls are receive-only: %v", err)
		} else {
			media, codecs = dev, dev
		}
	}

	popts := p2p.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(opt.Dir, cfg.Identity.KeyFile),
		MdnsTag:     cfg.P2P.MdnsTag,
		Topic:       cfg.Presence.Topic,
		Heartbeat:   time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		PresenceTTL: time.Duration(cfg.Presence.TTLSec) * time.Second,
		Bootstrap:   cfg.P2P.Bootstrap,
		ICEServers:  cfg.Call.ICEServers,
		ForwardRTP:  cfg.Call.ForwardRTP,
	}
	if codecs != nil {
		popts.Codecs = codecs.Populate
	}
	node, err := p2p.New(ctx, popts)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Infof("libp2p peer id: %s", node.ID())

	a, err := New(cfg, Deps{Transport: node, Media: media, DB: db})
	if err != nil {
		return err
	}
	logBanner(opt.Dir, opt.CfgPath, a.Self().Name+" <"+a.Self().Email+">", a.Partner().Name+" <"+a.Partner().Email+">")

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		srv := viewer.New(a, logs)
		go func() {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		if opt.OpenBrowser || cfg.Viewer.OpenBrowser {
			go func() {
				if err := WaitTCP(addr, 5*time.Second); err != nil {
					log.Warnf("viewer: %v", err)
					return
				}
				if err := util.OpenURL(url); err != nil {
					log.Warnf("open browser: %v", err)
				}
			}()
		}
		log.Infof("viewer: %s", url)
	}

	if cfg.Paths.InboxDir != "" {
		dir := util.ResolvePath(opt.Dir, cfg.Paths.InboxDir)
		w, err := inbox.New(dir, a, inbox.Options{})
		if err != nil {
			log.Warnf("drop folder disabled: %v", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil {
					log.Warnf("drop folder: %v", err)
				}
			}()
		}
	}

	return a.Run(ctx)
}
