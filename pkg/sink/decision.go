package sink

import (
	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/types"
)

// DecisionLog records every non-Allow verdict as one JSON line. The
// writer rotates like the main log.
type DecisionLog struct {
	logger *logrus.Logger
}

func NewDecisionLog(path string) (*DecisionLog, error) {
	writer, err := rotates.New(
		path+".%Y%m%d",
		rotates.WithLinkName(path),
	)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(writer)
	logger.SetLevel(logrus.InfoLevel)
	return &DecisionLog{logger: logger}, nil
}

// Record writes one decision. A nil DecisionLog records nothing, so
// callers never branch.
func (d *DecisionLog) Record(pkt *types.Packet) {
	if d == nil || pkt.Verdict == types.VerdictNone {
		return
	}
	fields := logrus.Fields{
		"packet":  pkt.ID,
		"verdict": pkt.Verdict.String(),
		"source":  pkt.VerdictSource,
	}
	if v := pkt.Parsed; v != nil && v.IP != nil {
		fields["src"] = v.IP.Src.String()
		fields["dst"] = v.IP.Dst.String()
		fields["src_port"] = v.SrcPort()
		fields["dst_port"] = v.DstPort()
		fields["proto"] = v.Transport.String()
	}
	d.logger.WithFields(fields).Info("censorship event")
}
