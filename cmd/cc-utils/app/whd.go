// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/model"
	"github.com/ccwienk-org/cc-utils/pkg/logger"
	"github.com/ccwienk-org/cc-utils/whd"
)

type whdOptions struct {
	// configPath is the path to the configuration document.
	configPath string
	// templatesDir is the directory holding the pipeline templates.
	templatesDir string
	// whdCfgName names the webhook dispatcher config to serve.
	whdCfgName string
	// secretCfgName is handed through to re-rendered pipelines.
	secretCfgName string
	// bindAddress is the address the HTTP server listens on.
	bindAddress string
}

// configHolder hands the most recently loaded configuration document to
// the client factories; the dispatcher reloads it when job mappings turn
// out to be stale.
type configHolder struct {
	mu      sync.RWMutex
	factory *model.ConfigFactory
}

func (h *configHolder) get() *model.ConfigFactory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.factory
}

func (h *configHolder) set(factory *model.ConfigFactory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factory = factory
}

// NewWebhookDispatcherCommand serves the github webhook endpoint.
func NewWebhookDispatcherCommand(ctx context.Context) *cobra.Command {
	opts := &whdOptions{}
	cmd := &cobra.Command{
		Use:   "whd --config-file [file] --whd-cfg-name [name]",
		Short: "serve the github webhook dispatcher",
		Run: func(cmd *cobra.Command, args []string) {
			if err := opts.Complete(args); err != nil {
				fmt.Println(err.Error())
				os.Exit(1)
			}

			if err := opts.run(ctx, logger.Log); err != nil {
				fmt.Println(err.Error())
				os.Exit(1)
			}
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}

func (o *whdOptions) run(ctx context.Context, log logr.Logger) error {
	fs := osfs.New()
	factory, err := model.LoadConfigFactory(fs, o.configPath)
	if err != nil {
		return err
	}
	whdCfg, err := factory.WebhookDispatcherConfig(o.whdCfgName)
	if err != nil {
		return err
	}

	holder := &configHolder{factory: factory}
	githubClients := newGithubClientFactory(holder.get)
	concourseClients := newConcourseClientFactory(holder.get)

	pipelines := whd.NewRepositoryPipelines(
		log, githubClients, concourseClients,
		concourse.NewTemplateRetriever(fs, o.templatesDir),
		o.secretCfgName,
	)

	dispatcher := whd.NewDispatcher(
		log, factory, whdCfg,
		concourseClients, githubClients, pipelines,
		func(_ context.Context) (*model.ConfigFactory, error) {
			reloaded, err := model.LoadConfigFactory(fs, o.configPath)
			if err != nil {
				return nil, err
			}
			holder.set(reloaded)
			return reloaded, nil
		},
	)

	whd.RegisterWebhookMetrics(prometheus.DefaultRegisterer)

	router := mux.NewRouter()
	whd.NewWebhook(log, dispatcher).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              o.bindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("serving webhook dispatcher", "address", o.bindAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	dispatcher.Wait()
	return nil
}

func (o *whdOptions) Complete(args []string) error {
	if o.configPath == "" {
		return errors.New("a configuration file must be given")
	}
	if o.whdCfgName == "" {
		return errors.New("a webhook dispatcher config name must be given")
	}
	if o.templatesDir == "" {
		return errors.New("a templates directory must be given")
	}
	return nil
}

func (o *whdOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config-file", "", "path to the configuration document")
	fs.StringVar(&o.templatesDir, "templates-dir", "", "directory containing the pipeline templates")
	fs.StringVar(&o.whdCfgName, "whd-cfg-name", "", "webhook dispatcher config to serve")
	fs.StringVar(&o.secretCfgName, "secret-cfg-name", "", "secret config name handed to rendered pipelines")
	fs.StringVar(&o.bindAddress, "bind-address", ":5000", "address to listen on")
}
