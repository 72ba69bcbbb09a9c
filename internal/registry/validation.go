package registry

import (
	"fmt"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

// Validate checks a normalized instance. It returns a *util.ValidationError
// listing every offending field.
func Validate(inst *Instance) error {
	verr := util.NewValidationError("invalid service instance")

	if err := util.ValidateServiceName(inst.ServiceName); err != nil {
		verr.AddField("serviceName", err.Error())
	}

	switch inst.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC, ProtocolTCP:
	default:
		verr.AddField("protocol", fmt.Sprintf("unsupported protocol %q", inst.Protocol))
	}

	if len(inst.Endpoints) == 0 {
		verr.AddField("endpoints", "at least one endpoint is required")
	}
	for n, ep := range inst.Endpoints {
		prefix := fmt.Sprintf("endpoints[%d]", n)
		if err := util.ValidateHost(ep.Host); err != nil {
			verr.AddField(prefix+".host", err.Error())
		}
		if err := util.ValidatePort(ep.Port); err != nil {
			verr.AddField(prefix+".port", err.Error())
		}
		if ep.Weight < 0 {
			verr.AddField(prefix+".weight", "must not be negative")
		}
		if ep.RateLimit != nil && (ep.RateLimit.RequestsPerSecond < 0 || ep.RateLimit.Burst < 0) {
			verr.AddField(prefix+".rateLimit", "must not be negative")
		}
	}

	hc := inst.HealthCheck
	if hc.Enabled {
		switch hc.Type {
		case CheckHTTP, CheckTCP, CheckGRPC:
		default:
			verr.AddField("healthCheck.type", fmt.Sprintf("unsupported check type %q", hc.Type))
		}
		if hc.Port != 0 {
			if err := util.ValidatePort(hc.Port); err != nil {
				verr.AddField("healthCheck.port", err.Error())
			}
		}
		if hc.Timeout > hc.Interval {
			verr.AddField("healthCheck.timeout", "must not exceed the interval")
		}
	}

	if verr.HasFields() {
		return verr
	}
	return nil
}
