package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"purchasekit/internal/config"
	"purchasekit/internal/lifecycle"
	"purchasekit/internal/notify"
	"purchasekit/internal/platform"
	"purchasekit/internal/stubserver"
	"purchasekit/internal/types"
	"purchasekit/pkg/sdk"
)

var (
	configPath string
	addr       string
)

// demoCatalog is used by the stub server and the simulated billing clients.
var demoCatalog = []*types.Product{
	{ID: "main", SKU: "purchasekit_premium_monthly", Type: types.ProductTypeSubscription, Duration: "P1M"},
	{ID: "annual", SKU: "purchasekit_premium_annual", Type: types.ProductTypeSubscription, Duration: "P1Y"},
	{ID: "unlock", SKU: "purchasekit_pro_unlock", Type: types.ProductTypeNonConsumable},
	{ID: "coins", SKU: "purchasekit_coins_100", Type: types.ProductTypeConsumable},
}

func main() {
	// Initialize glog for debug logging
	flag.Set("logtostderr", "true")
	flag.Set("v", "1")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	defer glog.Flush()

	root := &cobra.Command{
		Use:   "purchasekit",
		Short: "In-app purchase SDK harness",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the SDK config file")

	stubCmd := &cobra.Command{
		Use:   "stub-server",
		Short: "Run the in-memory validation backend",
		RunE:  runStubServer,
	}
	stubCmd.Flags().StringVar(&addr, "addr", ":8085", "listen address")

	root.AddCommand(
		stubCmd,
		&cobra.Command{
			Use:   "products",
			Short: "Fetch and print the products for sale",
			RunE:  runProducts,
		},
		&cobra.Command{
			Use:   "buy [sku]",
			Short: "Purchase a sku through the simulated billing client",
			Args:  cobra.ExactArgs(1),
			RunE:  runBuy,
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Restore past purchases",
			RunE:  runRestore,
		},
	)

	if err := root.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}

func runStubServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	server := stubserver.New(cfg.APIKey, demoCatalog)

	log.Printf("stub backend listening on %s", addr)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Printf("shutting down")
		httpServer.Close()
	}()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runProducts(cmd *cobra.Command, args []string) error {
	s, cleanup, err := startSDK()
	if err != nil {
		return err
	}
	defer cleanup()

	done := make(chan *types.Error, 1)
	s.Refresh(true, func(err *types.Error) { done <- err })
	if err := waitErr(done); err != nil {
		return err
	}

	for _, p := range s.Products() {
		fmt.Printf("%-30s %-25s %s\n", p.SKU, p.Type, p.Duration)
	}
	for _, ap := range s.ActiveProducts() {
		fmt.Printf("owned: %-22s state=%s since %s\n", ap.SKU, ap.SubscriptionState, ap.PurchaseDate.Format(time.RFC3339))
	}
	return nil
}

func runBuy(cmd *cobra.Command, args []string) error {
	s, cleanup, err := startSDK()
	if err != nil {
		return err
	}
	defer cleanup()

	done := make(chan error, 1)
	s.Buy(args[0], func(tx *types.Transaction, buyErr *types.Error) {
		if buyErr != nil {
			done <- buyErr
			return
		}
		fmt.Printf("purchased %s, purchase id %s\n", tx.SKU, tx.PurchaseID)
		done <- nil
	})
	return <-done
}

func runRestore(cmd *cobra.Command, args []string) error {
	s, cleanup, err := startSDK()
	if err != nil {
		return err
	}
	defer cleanup()

	done := make(chan error, 1)
	s.Restore(func(txs []*types.Transaction, restoreErr *types.Error) {
		if restoreErr != nil {
			done <- restoreErr
			return
		}
		for _, tx := range txs {
			fmt.Printf("restored %s, purchase id %s\n", tx.SKU, tx.PurchaseID)
		}
		done <- nil
	})
	return <-done
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		cfg.AppID = config.GetEnvOrDefault("PURCHASEKIT_APP_ID", "demo-app")
		cfg.APIKey = config.GetEnvOrDefault("PURCHASEKIT_API_KEY", "demo-key")
		cfg.BaseURL = config.GetEnvOrDefault("PURCHASEKIT_BASE_URL", "http://127.0.0.1:8085")
		return cfg, nil
	}
	return config.Load(configPath)
}

// startSDK boots an SDK backed by the simulated billing client matching the
// configured OS version.
func startSDK() (*sdk.SDK, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	catalog := make([]platform.ProductDetails, 0, len(demoCatalog))
	for _, p := range demoCatalog {
		catalog = append(catalog, platform.ProductDetails{
			SKU:      p.SKU,
			Title:    p.ID,
			Price:    9.99,
			Currency: "USD",
		})
	}

	collab := sdk.Collaborators{
		Lifecycle: lifecycle.NewManualSource(),
		Delegate: notify.Delegate{
			OnError: func(e *types.Error) {
				glog.Warningf("sdk error: %v", e)
			},
		},
	}
	var streamClient *platform.SimulatedStreamClient
	if platform.SelectGeneration(cfg.OSVersion) == platform.GenerationStream {
		streamClient = platform.NewSimulatedStreamClient(catalog)
		collab.StreamClient = streamClient
	} else {
		collab.QueueClient = platform.NewSimulatedQueueClient(catalog)
	}

	s, serr := sdk.Start(cfg, collab)
	if serr != nil {
		return nil, nil, serr
	}
	cleanup := func() {
		s.Stop()
		if streamClient != nil {
			streamClient.Close()
		}
	}
	return s, cleanup, nil
}

func waitErr(done chan *types.Error) error {
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return nil
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timed out waiting for the backend")
	}
}
