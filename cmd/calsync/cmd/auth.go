package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/syncer"
)

const (
	redirectPort = "8085"
	redirectURL  = "http://localhost:" + redirectPort + "/callback"
)

var authCmd = &cobra.Command{
	Use:   "auth <config-id>",
	Short: "Authorize calendar access for a config",
	Long: `Authorize calendar access for a config using OAuth.

  1. Starts a local server to receive the OAuth callback
  2. Opens your browser to sign in with the config's provider
  3. Stores the tokens in the config's credentials
  4. Checks that the config's calendar is reachable with them

Google needs google.credentials_file; Microsoft needs microsoft.client_id.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.store.GetConfig(ctx, args[0])
	if err != nil {
		return err
	}
	clients, err := oauthOptions(a.cfg)
	if err != nil {
		return err
	}
	var oauthCfg *oauth2.Config
	switch cfg.ProviderType {
	case core.ProviderGoogle:
		oauthCfg = clients.GoogleOAuth
	case core.ProviderMicrosoft:
		oauthCfg = clients.MicrosoftOAuth
	}
	if oauthCfg == nil {
		return fmt.Errorf("%w: no OAuth client configured for %s", core.ErrConfiguration, cfg.ProviderType)
	}

	// Copy so the shared config keeps its own redirect.
	c := *oauthCfg
	c.RedirectURL = redirectURL

	var opts []oauth2.AuthCodeOption
	switch cfg.ProviderType {
	case core.ProviderGoogle:
		opts = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	case core.ProviderMicrosoft:
		opts = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "consent")}
	}

	tok, err := getTokenViaLocalServer(ctx, &c, string(cfg.ProviderType), opts...)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	creds := &core.Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}
	if creds.RefreshToken == "" && cfg.Credentials != nil {
		creds.RefreshToken = cfg.Credentials.RefreshToken
	}
	if err := a.store.UpdateCredentials(ctx, cfg.ID, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Println("\nAuthentication successful.")
	fmt.Printf("Credentials stored for %s (%s %s).\n", cfg.ID, cfg.ProviderType, cfg.ProviderID)

	svc := syncer.NewService(a.store, a.registry, syncer.WithLogger(a.logger))
	if err := svc.ValidateConfig(ctx, cfg.ID); err != nil {
		return fmt.Errorf("check calendar %q: %w", cfg.Settings.CalendarID(), err)
	}
	fmt.Printf("Calendar %q is reachable.\n", cfg.Settings.CalendarID())
	fmt.Printf("Run 'calsync sync %s' to pull its events.\n", cfg.ID)
	return nil
}

func getTokenViaLocalServer(ctx context.Context, config *oauth2.Config, providerName string, authOpts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	state := uuid.NewString()
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errMsg := r.URL.Query().Get("error")
			http.Error(w, "Authorization failed: "+errMsg, http.StatusBadRequest)
			select {
			case errChan <- fmt.Errorf("authorization failed: %s", errMsg):
			default:
			}
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, callbackPage)
		select {
		case codeChan <- code:
		default:
		}
	})
	server := &http.Server{Addr: ":" + redirectPort, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	defer server.Shutdown(context.Background())

	authURL := config.AuthCodeURL(state, authOpts...)

	fmt.Printf("Opening browser for %s authorization...\n\n", providerName)
	if err := openBrowser(authURL); err != nil {
		fmt.Println("Couldn't open the browser automatically.")
		fmt.Println("Please open this URL manually:")
		fmt.Println(authURL)
	}
	fmt.Println("Waiting for authorization...")

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return nil, err
	case <-time.After(5 * time.Minute):
		return nil, errors.New("timeout waiting for authorization")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}

const callbackPage = `<!DOCTYPE html>
<html>
<head>
	<title>calsync authorized</title>
	<style>
		body { font-family: -apple-system, sans-serif; display: flex;
		       justify-content: center; align-items: center; height: 100vh;
		       margin: 0; background: #1a1a1a; color: #fff; }
		.card { background: #2d2d2d; padding: 40px; border-radius: 12px; text-align: center; }
		h1 { color: #4ade80; margin-bottom: 10px; }
		p { color: #a1a1aa; }
	</style>
</head>
<body>
	<div class="card">
		<h1>Authorization Successful</h1>
		<p>calsync stored the tokens. You can close this window.</p>
	</div>
</body>
</html>`
