package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-authgate/marketplace-cli/marketplace"
	"github.com/go-authgate/marketplace-cli/session"
)

// command is one CLI subcommand.
type command struct {
	name    string
	summary string
	run     func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{name: "login", summary: "Sign in with email and password", run: (*app).login},
	{name: "register", summary: "Create an account and sign in", run: (*app).register},
	{name: "logout", summary: "Sign out on every terminal sharing the session", run: (*app).logout},
	{name: "whoami", summary: "Print the signed-in user", run: (*app).whoami},
	{name: "request", summary: "METHOD PATH: send an authorized request", run: (*app).request},
	{name: "tools", summary: "Search tool listings", run: (*app).tools},
	{name: "rentals", summary: "List your rentals", run: (*app).rentals},
	{name: "transactions", summary: "List your transactions", run: (*app).transactions},
	{name: "conversations", summary: "List your conversations", run: (*app).conversations},
	{name: "send-message", summary: "Send a chat message", run: (*app).sendMessage},
	{name: "update-profile", summary: "Update your profile", run: (*app).updateProfile},
	{name: "watch", summary: "Follow session changes made by other processes", run: (*app).watch},
}

func (a *app) runCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(a, ctx, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	email := fs.String("email", getEnv("MARKETPLACE_EMAIL", ""), "Account email (or MARKETPLACE_EMAIL env)")
	password := fs.String("password", "", "Account password (or MARKETPLACE_PASSWORD env)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		*password = getEnv("MARKETPLACE_PASSWORD", "")
	}
	if *email == "" || *password == "" {
		return errors.New("login requires -email and -password")
	}

	a.d.LoggingIn(*email)
	sess, err := a.auth.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return a.signIn(ctx, sess)
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	var in session.RegisterInput
	fs.StringVar(&in.Name, "name", "", "Full name")
	fs.StringVar(&in.Email, "email", "", "Account email")
	fs.StringVar(&in.Password, "password", "", "Account password (or MARKETPLACE_PASSWORD env)")
	fs.StringVar(&in.Phone, "phone", "", "Phone number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if in.Password == "" {
		in.Password = getEnv("MARKETPLACE_PASSWORD", "")
	}
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return errors.New("register requires -name, -email and -password")
	}

	a.d.LoggingIn(in.Email)
	sess, err := a.auth.Register(ctx, in)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return a.signIn(ctx, sess)
}

func (a *app) signIn(ctx context.Context, sess *session.Session) error {
	if err := a.ctrl.Login(ctx, *sess); err != nil {
		return err
	}
	a.d.LoginOK(displayName(&sess.User), a.storeDesc)
	a.d.Done("")
	return nil
}

func (a *app) logout(ctx context.Context, _ []string) error {
	if a.ctrl.State() != session.StateAuthenticated {
		a.d.Done("Already signed out")
		return nil
	}
	if err := a.ctrl.Logout(ctx); err != nil {
		return err
	}
	a.d.LoggedOut()
	a.d.Done("")
	return nil
}

func (a *app) whoami(_ context.Context, _ []string) error {
	user := a.ctrl.User()
	if user == nil {
		return session.ErrNotAuthenticated
	}
	if err := printJSON(a.out, user); err != nil {
		return err
	}
	a.d.Done("")
	return nil
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func (a *app) request(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: request METHOD PATH [-data JSON|@file] [-field k=v] [-file field=path] [-H 'Name: value']")
	}
	method, path := strings.ToUpper(args[0]), args[1]

	fs := newFlagSet("request")
	data := fs.String("data", "", "JSON body, or @path to read it from a file")
	var fields, files, headers multiFlag
	fs.Var(&fields, "field", "Multipart form field name=value (repeatable)")
	fs.Var(&files, "file", "Multipart file field=path (repeatable)")
	fs.Var(&headers, "H", "Extra header 'Name: value' (repeatable)")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	req, err := buildRequest(method, path, *data, fields, files, headers)
	if err != nil {
		return err
	}

	a.d.Requesting(req.Method, req.Path)
	resp, err := a.ctrl.Gateway().Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	a.d.Response(resp.StatusCode, http.StatusText(resp.StatusCode))
	if _, err := io.Copy(a.out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	a.d.Done("")
	return nil
}

// buildRequest turns the request subcommand's flags into a gateway request.
// Any -field or -file makes the body multipart; -data is then rejected.
func buildRequest(method, path, data string, fields, files, headers []string) (session.Request, error) {
	req := session.Request{Method: method, Path: path}

	if len(headers) > 0 {
		req.Header = make(http.Header)
		for _, h := range headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return req, fmt.Errorf("invalid header %q, want 'Name: value'", h)
			}
			req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	if len(fields) > 0 || len(files) > 0 {
		if data != "" {
			return req, errors.New("-data can not be combined with -field or -file")
		}
		form := &session.Multipart{Fields: make(map[string]string)}
		for _, f := range fields {
			name, value, ok := strings.Cut(f, "=")
			if !ok || name == "" {
				return req, fmt.Errorf("invalid field %q, want name=value", f)
			}
			form.Fields[name] = value
		}
		for _, f := range files {
			field, path, ok := strings.Cut(f, "=")
			if !ok || field == "" || path == "" {
				return req, fmt.Errorf("invalid file %q, want field=path", f)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return req, fmt.Errorf("failed to read %s: %w", path, err)
			}
			form.Files = append(form.Files, session.FilePart{
				Field:       field,
				FileName:    filepath.Base(path),
				ContentType: mime.TypeByExtension(filepath.Ext(path)),
				Content:     content,
			})
		}
		req.Multipart = form
		return req, nil
	}

	if data != "" {
		body, err := readData(data)
		if err != nil {
			return req, err
		}
		req.Body = json.RawMessage(body)
	}
	return req, nil
}

// readData resolves a -data value: inline JSON or @path.
func readData(data string) ([]byte, error) {
	body := []byte(data)
	if path, ok := strings.CutPrefix(data, "@"); ok {
		var err error
		if body, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if !json.Valid(body) {
		return nil, errors.New("-data is not valid JSON")
	}
	return body, nil
}

func (a *app) tools(ctx context.Context, args []string) error {
	fs := newFlagSet("tools")
	var f marketplace.ToolFilter
	fs.StringVar(&f.Query, "q", "", "Search text")
	fs.StringVar(&f.Category, "category", "", "Category")
	fs.StringVar(&f.Location, "location", "", "Location")
	fs.Float64Var(&f.MinPrice, "min-price", 0, "Minimum price per day")
	fs.Float64Var(&f.MaxPrice, "max-price", 0, "Maximum price per day")
	fs.IntVar(&f.Page, "page", 0, "Page number")
	fs.IntVar(&f.Limit, "limit", 0, "Page size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a.d.Requesting(http.MethodGet, "/tools")
	tools, err := a.client.ListTools(ctx, f)
	if err != nil {
		return err
	}
	return a.printResult(tools, fmt.Sprintf("%d tools", len(tools)))
}

func (a *app) rentals(ctx context.Context, _ []string) error {
	a.d.Requesting(http.MethodGet, "/rentals")
	rentals, err := a.client.ListRentals(ctx)
	if err != nil {
		return err
	}
	return a.printResult(rentals, fmt.Sprintf("%d rentals", len(rentals)))
}

func (a *app) transactions(ctx context.Context, _ []string) error {
	a.d.Requesting(http.MethodGet, "/transactions")
	txs, err := a.client.ListTransactions(ctx)
	if err != nil {
		return err
	}
	return a.printResult(txs, fmt.Sprintf("%d transactions", len(txs)))
}

func (a *app) conversations(ctx context.Context, _ []string) error {
	a.d.Requesting(http.MethodGet, "/conversations")
	convs, err := a.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	return a.printResult(convs, fmt.Sprintf("%d conversations", len(convs)))
}

func (a *app) sendMessage(ctx context.Context, args []string) error {
	fs := newFlagSet("send-message")
	to := fs.String("conversation", "", "Conversation id")
	body := fs.String("body", "", "Message text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *body == "" {
		return errors.New("send-message requires -conversation and -body")
	}

	a.d.Requesting(http.MethodPost, "/conversations/"+*to+"/messages")
	msg, err := a.client.SendMessage(ctx, *to, *body)
	if err != nil {
		return err
	}
	return a.printResult(msg, "Message sent")
}

func (a *app) updateProfile(ctx context.Context, args []string) error {
	fs := newFlagSet("update-profile")
	data := fs.String("data", "", "Profile JSON, or @path to read it from a file")
	var in marketplace.ProfileUpdate
	fs.StringVar(&in.Name, "name", "", "Display name")
	fs.StringVar(&in.Phone, "phone", "", "Phone number")
	fs.StringVar(&in.Avatar, "avatar", "", "Avatar URL")
	fs.StringVar(&in.Location, "location", "", "Location")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *data != "" {
		body, err := readData(*data)
		if err != nil {
			return err
		}
		// Flags given explicitly win over the JSON document
		flagged := in
		if err := json.Unmarshal(body, &in); err != nil {
			return fmt.Errorf("invalid profile JSON: %w", err)
		}
		in = mergeProfile(in, flagged)
	}
	if in == (marketplace.ProfileUpdate{}) {
		return errors.New("update-profile needs -data or at least one field flag")
	}

	a.d.Requesting(http.MethodPut, "/users/{id}")
	user, err := a.client.UpdateProfile(ctx, in)
	if err != nil {
		return err
	}
	return a.printResult(user, "Profile updated")
}

func mergeProfile(base, override marketplace.ProfileUpdate) marketplace.ProfileUpdate {
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Phone != "" {
		base.Phone = override.Phone
	}
	if override.Avatar != "" {
		base.Avatar = override.Avatar
	}
	if override.Location != "" {
		base.Location = override.Location
	}
	return base
}

// watch reports every session change until ctx ends, whichever process
// sharing the store made it.
func (a *app) watch(ctx context.Context, _ []string) error {
	report := func(s session.Snapshot) {
		a.d.RemoteChange(s.State.String(), displayName(s.User))
	}
	stop := a.ctrl.OnChange(report)
	defer stop()

	report(a.ctrl.Snapshot())
	a.log.Debug().Str("store", a.storeDesc).Msg("watching session")

	<-ctx.Done()
	a.d.Done("")
	return nil
}

func (a *app) printResult(v any, summary string) error {
	if err := printJSON(a.out, v); err != nil {
		return err
	}
	a.d.Done(summary)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
