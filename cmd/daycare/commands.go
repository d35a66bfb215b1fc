package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"daycare/internal/config"
	"daycare/internal/dispatch"
	"daycare/internal/members"
	"daycare/internal/relay"
	"daycare/internal/upload"
	"daycare/internal/validate"
	"daycare/internal/watch"
)

const shutdownTimeout = 30 * time.Second

// runRelay serves the relay until ctx is done. When watch.file is set the
// draft autosave runs alongside it.
func runRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	srv := relay.New(cfg, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if cfg.Watch.File != "" {
		d := newDispatcher(cfg, logger)
		defer d.Close()

		w, err := watch.New(watch.Config{
			File:   cfg.Watch.File,
			URL:    cfg.Watch.URL,
			Method: dispatch.Method(cfg.Watch.Method),
		}, d, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	return g.Wait()
}

func runWatch(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	file := fs.String("file", cfg.Watch.File, "draft JSON file")
	url := fs.String("url", cfg.Watch.URL, "API path the draft is sent to")
	method := fs.String("method", cfg.Watch.Method, "PATCH, PUT or POST")
	_ = fs.Parse(args)

	d := newDispatcher(cfg, logger)
	defer d.Close()

	w, err := watch.New(watch.Config{
		File:   *file,
		URL:    *url,
		Method: dispatch.Method(strings.ToUpper(*method)),
	}, d, logger)
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

func newMembersClient(cfg *config.Config, logger zerolog.Logger) (*members.Client, *dispatch.Dispatcher, error) {
	d := newDispatcher(cfg, logger)

	client, err := members.NewClient(d, members.Config{
		FindIDTTL:       cfg.Verify.GetFindIDTTLDuration(),
		FindPasswordTTL: cfg.Verify.GetFindPasswordTTLDuration(),
		MaxSessions:     cfg.Verify.MaxSessions,
	}, logger)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	client.SetAccessToken(cfg.API.AccessToken)

	return client, d, nil
}

// prompter reads answers from stdin
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter() *prompter {
	return &prompter{in: bufio.NewReader(os.Stdin), out: os.Stderr}
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// askCode reads a verification code, showing the time left
func (p *prompter) askCode(remaining time.Duration) (string, error) {
	code, err := p.ask(fmt.Sprintf("인증번호 (%s): ", validate.FormatCountdown(remaining)))
	if err != nil {
		return "", err
	}
	return validate.FormatVerificationCode(code), nil
}

func runFindID(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("find-id", flag.ExitOnError)
	name := fs.String("name", "", "member name")
	phone := fs.String("phone", "", "phone number, e.g. 010-1234-5678")
	code := fs.String("code", "", "verification code (prompted when empty)")
	_ = fs.Parse(args)

	client, d, err := newMembersClient(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	formattedName := validate.FilterName(*name)
	formattedPhone := validate.FormatPhoneInput(*phone)

	if *code == "" {
		if _, err := client.SendFindIDCode(ctx, formattedName, formattedPhone); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "인증번호가 발송되었습니다.")

		*code, err = newPrompter().askCode(client.Remaining(members.FlowFindID, formattedName, formattedPhone))
		if err != nil {
			return err
		}
	}

	res, err := client.FindID(ctx, formattedName, formattedPhone, *code)
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\n", res.MemberID, res.MemberName)
	return nil
}

func runFindPassword(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("find-password", flag.ExitOnError)
	memberID := fs.String("id", "", "login id")
	phone := fs.String("phone", "", "phone number, e.g. 010-1234-5678")
	_ = fs.Parse(args)

	client, d, err := newMembersClient(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	formattedPhone := validate.FormatPhoneInput(*phone)
	p := newPrompter()

	if _, err := client.SendFindPasswordCode(ctx, *memberID, formattedPhone); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "인증번호가 발송되었습니다.")

	code, err := p.askCode(client.Remaining(members.FlowFindPassword, *memberID, formattedPhone))
	if err != nil {
		return err
	}

	token, err := client.VerifyFindPassword(ctx, *memberID, formattedPhone, code)
	if err != nil {
		return err
	}

	newPassword, err := p.ask("새 비밀번호: ")
	if err != nil {
		return err
	}
	confirm, err := p.ask("새 비밀번호 확인: ")
	if err != nil {
		return err
	}

	msg, err := client.ResetPassword(ctx, token, newPassword, confirm)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func runWithdraw(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	client, d, err := newMembersClient(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	answer, err := newPrompter().ask("정말 탈퇴하시겠습니까? (y/N): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(answer, "y") {
		return nil
	}

	msg, err := client.Withdraw(ctx)
	if err != nil {
		return err
	}

	fmt.Println(msg)
	return nil
}

func runUpload(ctx context.Context, cfg *config.Config, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	path := fs.String("file", "", "picture to upload")
	_ = fs.Parse(args)

	if *path == "" {
		return errors.New("-file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *path, err)
	}
	defer f.Close()

	u := upload.New(upload.Config{
		BaseURL:  cfg.API.BaseURL,
		UseProxy: cfg.API.ProxyEnabled(),
		ProxyURL: cfg.API.ProxyURL,
		Timeout:  cfg.API.GetRequestTimeoutDuration(),
	}, logger)
	u.SetAccessToken(cfg.API.AccessToken)

	res, err := u.Upload(ctx, filepath.Base(*path), f)
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\n", res.S3Key, res.PresignedURL)
	return nil
}
