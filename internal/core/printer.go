package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/logger"
)

var (
	ErrSumatraNotConfigured = errors.New("sumatra path not configured")
	ErrNoPrinter            = errors.New("no printer name and no default printer configured")
	ErrPrintFailed          = errors.New("print command failed")
)

// Printer sends one document to the operating system's print spooler.
type Printer interface {
	Print(ctx context.Context, job *Job) error
}

// SystemPrinter prints through the platform print command: SumatraPDF on
// windows, lpr on darwin and lp everywhere else.
type SystemPrinter struct {
	runner         CommandRunner
	temp           *TempFiles
	sumatraPath    string
	defaultPrinter string
	goos           string
	log            logger.Logger
}

type SystemPrinterOption func(*SystemPrinter)

// WithGOOS overrides the detected operating system.
func WithGOOS(goos string) SystemPrinterOption {
	return func(p *SystemPrinter) { p.goos = goos }
}

func NewSystemPrinter(cfg config.PrintingConfig, runner CommandRunner, temp *TempFiles, log logger.Logger, opts ...SystemPrinterOption) *SystemPrinter {
	p := &SystemPrinter{
		runner:         runner,
		temp:           temp,
		sumatraPath:    cfg.SumatraPath,
		defaultPrinter: strings.TrimSpace(cfg.DefaultPrinter),
		goos:           runtime.GOOS,
		log:            log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PrinterName returns the destination, or the configured default when the destination is blank.
func (p *SystemPrinter) PrinterName(destination string) string {
	if name := strings.TrimSpace(destination); name != "" {
		return name
	}
	return p.defaultPrinter
}

// Print writes the document to the temp directory, runs the print command and
// schedules the file for removal whether or not printing succeeded.
func (p *SystemPrinter) Print(ctx context.Context, job *Job) error {
	printerName := p.PrinterName(job.Destination)

	name, args, err := p.command(printerName)
	if err != nil {
		return err
	}

	path, err := p.temp.Write(job.SafeFilename(), job.Data)
	if err != nil {
		return err
	}
	defer p.temp.RemoveLater(path)
	p.log.Debugf("job %s: document saved to %s", job.ID, path)

	args = append(args, path)
	p.log.Infof("job %s: running %s %s", job.ID, name, strings.Join(args, " "))

	out, err := p.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrPrintFailed, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *SystemPrinter) command(printerName string) (string, []string, error) {
	switch p.goos {
	case "windows":
		if p.sumatraPath == "" {
			return "", nil, ErrSumatraNotConfigured
		}
		if printerName == "" {
			return "", nil, ErrNoPrinter
		}
		return p.sumatraPath, []string{"-print-to", printerName}, nil
	case "darwin":
		if printerName == "" {
			return "lpr", nil, nil
		}
		return "lpr", []string{"-P", printerName}, nil
	default:
		if printerName == "" {
			return "lp", nil, nil
		}
		return "lp", []string{"-d", printerName}, nil
	}
}
