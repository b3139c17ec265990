package optimization

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ResultSink receives the intermediate products of local bundle adjustment.
type ResultSink interface {
	ReportJacobian(runID string, jacobian mat.Matrix) error
	ReportCovariance(runID string, covariance mat.Symmetric) error
}

// NopResultSink drops everything.
type NopResultSink struct{}

// ReportJacobian does nothing.
func (NopResultSink) ReportJacobian(string, mat.Matrix) error { return nil }

// ReportCovariance does nothing.
func (NopResultSink) ReportCovariance(string, mat.Symmetric) error { return nil }

type csvResultSink struct {
	mu sync.Mutex
	w  *csv.Writer
}

// NewCSVResultSink writes one CSV record per Jacobian row and one record per covariance.
// Jacobian records are "jacobian,<run>,<row>,v0,v1,...". Covariance records are
// "covariance,<run>,c00,c01,..." in row-major order.
func NewCSVResultSink(w io.Writer) ResultSink {
	return &csvResultSink{w: csv.NewWriter(w)}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (s *csvResultSink) ReportJacobian(runID string, jacobian mat.Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, cols := jacobian.Dims()
	for r := 0; r < rows; r++ {
		record := make([]string, 0, cols+3)
		record = append(record, "jacobian", runID, strconv.Itoa(r))
		for c := 0; c < cols; c++ {
			record = append(record, formatFloat(jacobian.At(r, c)))
		}
		if err := s.w.Write(record); err != nil {
			return errors.Wrap(err, "writing jacobian row")
		}
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *csvResultSink) ReportCovariance(runID string, covariance mat.Symmetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := covariance.SymmetricDim()
	record := make([]string, 0, n*n+2)
	record = append(record, "covariance", runID)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			record = append(record, formatFloat(covariance.At(r, c)))
		}
	}
	if err := s.w.Write(record); err != nil {
		return errors.Wrap(err, "writing covariance")
	}
	s.w.Flush()
	return s.w.Error()
}
