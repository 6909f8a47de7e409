package zeus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// Registry references contributed by this package.
const (
	HandlerRun           = "zeus.run"
	HandlerImportResults = "zeus.import_results"
	TransferSubmit       = "zeus.submit"
	RestoreResults       = "zeus.restore"
)

// Environ keys read and written by the zeus steps.
const (
	KeyResults         = "zeus_results"
	KeyMetadataDecoder = "zeus_metadata_decoder"
)

// Report is one graded test as pushed back by Zeus.
type Report struct {
	ReportKind            string `json:"report_kind"`
	Metadata              string `json:"metadata"`
	Status                string `json:"status"`
	ResultString          string `json:"result_string"`
	ExecutionTimeMs       int64  `json:"execution_time_ms"`
	TimeLimitMs           int64  `json:"time_limit_ms"`
	MemoryLimitByte       int64  `json:"memory_limit_byte"`
	CompilationSuccessful bool   `json:"compilation_successful"`
	CompilationMessage    string `json:"compilation_message"`
}

// SourceReader loads submission sources; *filetracker.Client implements it.
type SourceReader interface {
	ReadAll(ctx context.Context, path string) ([]byte, error)
}

// Sender submits to Zeus; *Client implements it.
type Sender interface {
	SendRegular(ctx context.Context, sub Submission) (int64, error)
}

// Bridge holds what the zeus steps need at run time.
type Bridge struct {
	servers     map[string]Sender
	files       SourceReader
	signer      *TokenSigner
	callbackURL string
}

// NewBridge creates the zeus steps. callbackURL is the public address of
// the callback route without the token segment.
func NewBridge(servers map[string]Sender, files SourceReader, signer *TokenSigner, callbackURL string) (*Bridge, error) {
	if len(servers) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("no zeus instance configured")
	}
	if files == nil || signer == nil || callbackURL == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("zeus bridge is incomplete")
	}
	return &Bridge{
		servers:     servers,
		files:       files,
		signer:      signer,
		callbackURL: strings.TrimRight(callbackURL, "/"),
	}, nil
}

// Register binds the zeus steps.
func (b *Bridge) Register(registry *service.Registry) {
	registry.RegisterHandler(HandlerRun, run)
	registry.RegisterHandler(HandlerImportResults, importResults)
	registry.RegisterTransfer(TransferSubmit, b.submit)
	registry.RegisterRestore(RestoreResults, restoreResults)
}

// run parks the job until Zeus grades it for the kind kwarg.
func run(_ context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	kind, _ := kwargs["kind"].(string)
	if kind != KindInitial && kind != KindNormal {
		return nil, appErr.ValidationError("kind", "must be INITIAL or NORMAL")
	}
	return model.TransferJob(env, TransferSubmit, RestoreResults, map[string]any{"kind": kind})
}

func (b *Bridge) submit(ctx context.Context, env *model.Environ, kwargs map[string]any) error {
	kind, _ := kwargs["kind"].(string)
	zeusID, _ := env.GetString("zeus_id")
	server, ok := b.servers[zeusID]
	if !ok {
		return appErr.Newf(appErr.BackendUnavailable, "unknown zeus instance %q", zeusID)
	}
	problemID, ok := env.GetInt("zeus_problem_id")
	if !ok {
		return appErr.ValidationError("zeus_problem_id", "required")
	}
	language, _ := env.GetString("language")
	sourcePath, ok := env.GetString("source_file")
	if !ok {
		return appErr.ValidationError("source_file", "required")
	}
	source, err := b.files.ReadAll(ctx, sourcePath)
	if err != nil {
		return err
	}
	submissionID, _ := env.GetInt("submission_id")

	token, err := b.signer.Sign(env.SavedEnvironID, env.JobID, kind)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	checkUID, err := server.SendRegular(ctx, Submission{
		ProblemID:    problemID,
		Kind:         kind,
		Source:       source,
		Language:     language,
		SubmissionID: strconv.FormatInt(submissionID, 10),
		ReturnURL:    b.callbackURL + "/" + token,
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "Submitted to zeus",
		zap.String("job_id", env.JobID),
		zap.String("zeus_id", zeusID),
		zap.String("kind", kind),
		zap.Int64("check_uid", checkUID),
	)
	return nil
}

// restoreResults appends the pushed reports to those of earlier kinds.
func restoreResults(_ context.Context, saved, incoming *model.Environ) (*model.Environ, error) {
	var merged []any
	if prev, ok := saved.Get(KeyResults); ok {
		if list, ok := prev.([]any); ok {
			merged = append(merged, list...)
		}
	}
	if next, ok := incoming.Get(KeyResults); ok {
		if list, ok := next.([]any); ok {
			merged = append(merged, list...)
		}
	}
	if err := saved.Set(KeyResults, merged); err != nil {
		return nil, err
	}
	if incoming.Error != nil {
		saved.Error = incoming.Error
	}
	return saved, nil
}

func reportsFromEnviron(env *model.Environ) ([]Report, error) {
	raw, ok := env.Get(KeyResults)
	if !ok {
		return nil, appErr.ValidationError(KeyResults, "required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	var reports []Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "decode %s", KeyResults)
	}
	return reports, nil
}

// importResults converts the reports of the kind kwarg into compilation
// results, tests and test results. map_to_kind renames the test kind.
// Tests already present in test_results are kept.
func importResults(_ context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	kind, _ := kwargs["kind"].(string)
	mapToKind, _ := kwargs["map_to_kind"].(string)
	all, err := reportsFromEnviron(env)
	if err != nil {
		return nil, err
	}
	var reports []Report
	for _, r := range all {
		if r.ReportKind == kind {
			reports = append(reports, r)
		}
	}
	if len(reports) == 0 {
		return nil, appErr.Newf(appErr.InvalidEnviron, "no zeus results of kind %s", kind)
	}

	compilation := "CE"
	if reports[0].CompilationSuccessful {
		compilation = "OK"
	}
	if err := env.Set("compilation_result", compilation); err != nil {
		return nil, err
	}
	if err := env.Set("compilation_message", reports[0].CompilationMessage); err != nil {
		return nil, err
	}

	decoderName, _ := env.GetString(KeyMetadataDecoder)
	decode, err := metadataDecoder(decoderName)
	if err != nil {
		return nil, err
	}
	tests, ok := env.GetMap("tests")
	if !ok {
		tests = map[string]any{}
	}
	results, ok := env.GetMap("test_results")
	if !ok {
		results = map[string]any{}
	}
	for _, r := range reports {
		info, err := decode(r.Metadata)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "decode zeus metadata")
		}
		if _, seen := results[info.Name]; seen {
			continue
		}
		testKind := r.ReportKind
		if mapToKind != "" {
			testKind = mapToKind
		}
		tests[info.Name] = map[string]any{
			"name":              info.Name,
			"group":             info.Group,
			"max_score":         info.MaxScore,
			"kind":              testKind,
			"zeus_metadata":     r.Metadata,
			"exec_time_limit":   r.TimeLimitMs,
			"exec_memory_limit": r.MemoryLimitByte / 1024,
		}
		results[info.Name] = map[string]any{
			"result_code":      r.Status,
			"result_string":    r.ResultString,
			"time_used":        r.ExecutionTimeMs,
			"zeus_test_result": r,
		}
	}
	if err := env.Set("tests", tests); err != nil {
		return nil, err
	}
	if err := env.Set("test_results", results); err != nil {
		return nil, err
	}
	return env, nil
}
