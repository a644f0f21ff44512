package archimedes

import (
	"github.com/rs/zerolog"
	"github.com/themis-platform/archimedes/contract"
)

// Validator is the narrow surface ValidationStage needs from a
// contract.Sentinel, kept as an interface so the stage can be tested
// without constructing a full Sentinel/Artifact.
type Validator interface {
	ValidateRequest(operationID string, bodyJSON []byte) (contract.ValidationReport, error)
	ValidateResponse(operationID string, status int, bodyJSON []byte) (contract.ValidationReport, error)
}

// ValidationStage validates the request body against the operation's
// request schema before calling next, and the response body against the
// schema declared for the returned status after next returns. cfg.Enabled
// gates both directions; cfg.ValidateResponses additionally gates the
// response check.
func ValidationStage(v Validator, cfg ContractConfig, logger zerolog.Logger) Stage {
	return Stage{
		Name: "validation",
		Gas: func(next Handler) Handler {
			return func(ctx *Context, body []byte) (*Response, error) {
				if cfg.Enabled {
					report, err := v.ValidateRequest(ctx.OperationID, body)
					if err == nil && !report.Valid {
						return ErrorResponse(requestValidationError(report), ctx.RequestID), nil
					}
				}

				resp, err := next(ctx, body)
				if err != nil || resp == nil {
					return resp, err
				}

				if cfg.Enabled && cfg.ValidateResponses {
					report, verr := v.ValidateResponse(ctx.OperationID, resp.Status, resp.Body)
					if verr == nil && !report.Valid {
						withRequestFields(logger, ctx).Error().
							Interface("errors", report.Errors).
							Msg("handler response failed contract validation")
					}
				}

				return resp, nil
			}
		},
	}
}

func requestValidationError(report contract.ValidationReport) *CodedError {
	if report.DepthExceeded {
		return ErrSchemaDepthExceeded()
	}
	fields := map[string][]string{}
	for _, e := range report.Errors {
		fields[e.Path] = append(fields[e.Path], e.Message)
	}
	details := map[string]interface{}{"fields": fields}
	return ErrValidation("request body failed contract validation", details)
}
