// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/drone/envsubst"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"

	"github.com/ccwienk-org/cc-utils/pkg/version"
)

// RenderOrigin tags where a rendering was initiated from.
type RenderOrigin string

const (
	RenderOriginLocal               RenderOrigin = "local"
	RenderOriginWebhookDispatcher   RenderOrigin = "webhook dispatcher"
	RenderOriginPipelineReplication RenderOrigin = "pipeline replication"
	RenderOriginUnknown             RenderOrigin = "unknown"
)

// RenderStatus is the outcome of a rendering.
type RenderStatus int

const (
	RenderSucceeded RenderStatus = iota
	RenderFailed
)

// ErrorClass partitions failures for the notification decision: only
// user-class errors are worth mailing pipeline owners about.
type ErrorClass int

const (
	// ErrorClassUser marks failures the pipeline owner can fix.
	ErrorClassUser ErrorClass = iota
	// ErrorClassInfrastructure marks transient failures (network, IO).
	ErrorClassInfrastructure
	// ErrorClassInternal marks failures inside the template machinery.
	ErrorClassInternal
)

// ClassifyError derives the error class from the error chain. Unknown
// errors default to user errors.
func ClassifyError(err error) ErrorClass {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrorClassInfrastructure
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return ErrorClassInternal
	}
	if IsTemplateError(err) {
		return ErrorClassInternal
	}
	return ErrorClassUser
}

// RenderResult is the outcome of rendering one descriptor. Rendering
// never fails the run; errors are captured here.
type RenderResult struct {
	Descriptor   *DefinitionDescriptor
	Status       RenderStatus
	ErrorDetails string
	Err          error
	Class        ErrorClass
}

// templateLock serialises template instantiation; the engine state is
// process-wide.
var templateLock sync.Mutex

// Renderer materialises pipeline text from definition descriptors.
type Renderer struct {
	log               logr.Logger
	templateRetriever *TemplateRetriever
	renderOrigin      RenderOrigin

	// ReplicationPipelineName is injected into pipelines rendered by a
	// replication job, if set.
	ReplicationPipelineName string
}

// NewRenderer returns a renderer reading templates via the given
// retriever.
func NewRenderer(log logr.Logger, templateRetriever *TemplateRetriever, origin RenderOrigin) *Renderer {
	if origin == "" {
		origin = RenderOriginUnknown
	}
	return &Renderer{
		log:               log,
		templateRetriever: templateRetriever,
		renderOrigin:      origin,
	}
}

// Render produces the deployable pipeline text for the descriptor.
func (r *Renderer) Render(descriptor *DefinitionDescriptor) RenderResult {
	if err := r.render(descriptor); err != nil {
		r.log.Info("erroneous pipeline definition",
			"pipeline", descriptor.PipelineName,
			"repository", descriptor.MainRepo.Path,
			"branch", descriptor.MainRepo.Branch,
			"error", err.Error(),
		)
		return RenderResult{
			Descriptor:   descriptor,
			Status:       RenderFailed,
			ErrorDetails: err.Error(),
			Err:          err,
			Class:        ClassifyError(err),
		}
	}
	r.log.Info("rendered pipeline", "pipeline", descriptor.PipelineName)
	return RenderResult{
		Descriptor: descriptor,
		Status:     RenderSucceeded,
	}
}

func (r *Renderer) render(descriptor *DefinitionDescriptor) error {
	if descriptor.MainRepo.Path == "" || descriptor.MainRepo.Branch == "" {
		return fmt.Errorf("no main repository for pipeline definition %s", descriptor.PipelineName)
	}

	effectiveDefinition := descriptor.EffectiveDefinition()

	templateContents, err := r.templateRetriever.TemplateContents(descriptor.TemplateName)
	if err != nil {
		return fmt.Errorf("%w", templateError{err})
	}

	definitionYAML, err := yaml.Marshal(effectiveDefinition)
	if err != nil {
		return fmt.Errorf("unable to serialise effective definition of %s: %w",
			descriptor.PipelineName, err)
	}

	vars := map[string]string{
		"PIPELINE_NAME":      descriptor.EffectivePipelineName(),
		"TARGET_TEAM":        descriptor.ConcourseTargetTeam,
		"SECRET_CFG":         descriptor.SecretCfgName,
		"JOB_MAPPING":        descriptor.JobMappingName,
		"RENDER_ORIGIN":      string(r.renderOrigin),
		"CC_UTILS_VERSION":   version.Get().GitVersion,
		"COMMITTISH":         descriptor.Committish,
		"MAIN_REPO_PATH":     descriptor.MainRepo.Path,
		"MAIN_REPO_BRANCH":   descriptor.MainRepo.Branch,
		"MAIN_REPO_HOSTNAME": descriptor.MainRepo.Hostname,
		"DEFINITION":         string(definitionYAML),
	}
	if r.renderOrigin == RenderOriginPipelineReplication && r.ReplicationPipelineName != "" {
		vars["REPLICATION_PIPELINE_NAME"] = r.ReplicationPipelineName
	}
	if bg, ok := effectiveDefinition["background_image"].(string); ok {
		vars["BACKGROUND_IMAGE"] = bg
	}

	templateLock.Lock()
	rendered, err := envsubst.Eval(string(templateContents), func(variable string) string {
		return vars[variable]
	})
	templateLock.Unlock()
	if err != nil {
		return fmt.Errorf("an error occurred when rendering pipeline %q: %w",
			descriptor.PipelineName, templateError{err})
	}

	descriptor.RenderedPipeline = []byte(rendered)
	return nil
}

// templateError marks failures originating from the template machinery
// rather than from the user's definition.
type templateError struct {
	err error
}

func (e templateError) Error() string { return e.err.Error() }
func (e templateError) Unwrap() error { return e.err }

// IsTemplateError reports whether the error chain contains a template
// machinery failure.
func IsTemplateError(err error) bool {
	var te templateError
	return errors.As(err, &te)
}
