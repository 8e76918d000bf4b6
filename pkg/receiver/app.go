package receiver

import (
	"context"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rescp17/dropmesh/internal/app"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/internal/util"
	"github.com/rescp17/dropmesh/pkg/fileInfo"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

// App is the application logic controller for the receiver. It writes
// every reassembled file under its output directory.
type App struct {
	mesh       app.Mesh
	outDir     string
	limit      int
	saved      int
	logger     *slog.Logger
	uiMessages chan tea.Msg
}

// NewApp creates a receiver that stops after limit files, or runs until
// cancelled when limit is zero.
func NewApp(mesh app.Mesh, outDir string, limit int, logger *slog.Logger) (*App, error) {
	exists, isDir, err := util.CheckDirectory(outDir)
	if err != nil {
		return nil, fmt.Errorf("checking output directory: %w", err)
	}
	if !exists || !isDir {
		return nil, fmt.Errorf("output directory %q does not exist or is not a directory", outDir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		mesh:       mesh,
		outDir:     outDir,
		limit:      limit,
		logger:     logger.With("component", "receiver"),
		uiMessages: make(chan tea.Msg, 64),
	}, nil
}

// UIMessages returns the channel for the UI to listen on for updates. It
// is closed when Run returns.
func (a *App) UIMessages() <-chan tea.Msg {
	return a.uiMessages
}

func (a *App) Run(ctx context.Context) error {
	defer close(a.uiMessages)
	events := a.mesh.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			app.Track(a.mesh.Tracker(), ev)
			a.publish(ctx, ev)
			if e, ok := ev.(appevents.FileReceived); ok {
				a.save(ctx, e)
			}
			if a.limit > 0 && a.saved >= a.limit {
				a.publish(ctx, appevents.Finished{})
				return nil
			}
		}
	}
}

func (a *App) save(ctx context.Context, e appevents.FileReceived) {
	var path string
	err := fileInfo.VerifyBlob(e.Blob)
	if err == nil {
		path, err = fileInfo.WriteBlob(a.outDir, e.Blob)
	}
	if err != nil {
		a.logger.Error("Failed to save file", "name", e.Blob.Name, "peer", e.RemoteID, "error", err)
		failed := appevents.TransferFailed{RemoteID: e.RemoteID, Name: e.Blob.Name, Direction: transfer.DirectionReceive, Err: err}
		app.Track(a.mesh.Tracker(), failed)
		a.publish(ctx, failed)
		return
	}
	a.saved++
	a.logger.Info("File saved", "path", path, "size", util.FormatSize(e.Blob.Size()), "sha256", fileInfo.SumBytes(e.Blob.Data))
	a.publish(ctx, appevents.FileSaved{RemoteID: e.RemoteID, Path: path, Size: e.Blob.Size()})
}

func (a *App) publish(ctx context.Context, msg tea.Msg) {
	select {
	case a.uiMessages <- msg:
	case <-ctx.Done():
	}
}
