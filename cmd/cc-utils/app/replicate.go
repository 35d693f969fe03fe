// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-logr/logr"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/mail"
	"github.com/ccwienk-org/cc-utils/model"
	"github.com/ccwienk-org/cc-utils/pkg/logger"
)

type replicateOptions struct {
	// configPath is the path to the configuration document.
	configPath string
	// templatesDir is the directory holding the pipeline templates.
	templatesDir string
	// concourseCfgName names the concourse installation to replicate into.
	concourseCfgName string
	// secretCfgName is handed through to the rendered pipelines.
	secretCfgName string
	// emailCfgName names the SMTP config used to notify owners of broken
	// definitions; notifications are skipped when unset.
	emailCfgName string
}

// NewReplicateCommand replicates the pipelines of every repository
// covered by the configured job mappings.
func NewReplicateCommand(ctx context.Context) *cobra.Command {
	opts := &replicateOptions{}
	cmd := &cobra.Command{
		Use:   "replicate --config-file [file] --concourse-cfg-name [name]",
		Short: "render and deploy all pipelines of a concourse installation",
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

func (o *replicateOptions) run(ctx context.Context, log logr.Logger) error {
	fs := osfs.New()
	factory, err := model.LoadConfigFactory(fs, o.configPath)
	if err != nil {
		return err
	}

	concourseCfg, err := factory.ConcourseConfig(o.concourseCfgName)
	if err != nil {
		return err
	}
	mappingSet, err := factory.JobMappingSet(concourseCfg.JobMappingSetName)
	if err != nil {
		return err
	}
	hostnames, err := githubHostnames(factory, mappingSet)
	if err != nil {
		return err
	}

	current := func() *model.ConfigFactory { return factory }
	githubClients := newGithubClientFactory(current)
	concourseClients := newConcourseClientFactory(current)
	templates := concourse.NewTemplateRetriever(fs, o.templatesDir)

	var notifier concourse.Notifier
	if o.emailCfgName != "" {
		emailCfg, err := factory.EmailConfig(o.emailCfgName)
		if err != nil {
			return err
		}
		notifier = concourse.NewBrokenDefinitionNotifier(
			log, githubClients, mail.NewMailer(emailCfg),
		)
	}

	mappingNames := make([]string, 0, len(mappingSet.Mappings))
	for name := range mappingSet.Mappings {
		mappingNames = append(mappingNames, name)
	}
	sort.Strings(mappingNames)

	failed := make([]string, 0)
	for _, name := range mappingNames {
		mapping := mappingSet.Mappings[name]
		log.Info("replicating job mapping", "jobMapping", name, "team", mapping.TeamName)

		processorOpts := []concourse.ResultProcessorOption{}
		if notifier != nil {
			processorOpts = append(processorOpts, concourse.WithNotifier(notifier))
		}

		replicator := concourse.NewPipelineReplicator(
			log,
			[]concourse.DefinitionEnumerator{
				concourse.NewGithubOrganisationDefinitionEnumerator(
					log, githubClients, mapping, hostnames,
					o.concourseCfgName, o.secretCfgName,
				),
			},
			&concourse.DefinitionDescriptorPreprocessor{},
			concourse.NewRenderer(log, templates, concourse.RenderOriginPipelineReplication),
			concourse.NewConcourseDeployer(
				log, concourseClients,
				mapping.UnpausePipelines,
				mapping.UnpauseNewPipelines,
				mapping.ExposePipelines,
			),
			concourse.NewReplicationResultProcessor(
				log, concourseClients, mapping, mapping.UnpauseNewPipelines, processorOpts...,
			),
		)

		ok, err := replicator.Replicate(ctx)
		if err != nil {
			log.Error(err, "replication failed", "jobMapping", name)
			failed = append(failed, name)
			continue
		}
		if !ok {
			log.Info("replication finished with unnotified failures", "jobMapping", name)
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("replication failed for job mappings: %v", failed)
	}
	log.Info("replication succeeded", "concourse", o.concourseCfgName)
	return nil
}

func (o *replicateOptions) Complete(args []string) error {
	if o.configPath == "" {
		return errors.New("a configuration file must be given")
	}
	if o.concourseCfgName == "" {
		return errors.New("a concourse config name must be given")
	}
	if o.templatesDir == "" {
		return errors.New("a templates directory must be given")
	}
	return nil
}

func (o *replicateOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config-file", "", "path to the configuration document")
	fs.StringVar(&o.templatesDir, "templates-dir", "", "directory containing the pipeline templates")
	fs.StringVar(&o.concourseCfgName, "concourse-cfg-name", "", "concourse config to replicate into")
	fs.StringVar(&o.secretCfgName, "secret-cfg-name", "", "secret config name handed to rendered pipelines")
	fs.StringVar(&o.emailCfgName, "email-cfg-name", "", "SMTP config used to notify owners of broken definitions")
}
