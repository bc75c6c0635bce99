package generator

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
)

// event is one synthetic collision with a leading muon
type event struct {
	pt, eta, phi float64
	charge       int
	nJets        int
}

func randomEvent(r *rand.Rand) event {
	return event{
		// Falling transverse momentum spectrum above 5 GeV
		pt:     5 + r.ExpFloat64()*20,
		eta:    r.NormFloat64() * 1.2,
		phi:    (r.Float64()*2 - 1) * math.Pi,
		charge: 2*r.IntN(2) - 1,
		nJets:  r.IntN(6),
	}
}

// CSVGenerator writes events as CSV with a header row
type CSVGenerator struct {
	rand *rand.Rand
}

func (g *CSVGenerator) Init(r *rand.Rand) {
	g.rand = r
}

func (g *CSVGenerator) WriteHeader(w io.Writer) error {
	_, err := io.WriteString(w, "pt,eta,phi,charge,njets\n")
	return err
}

func (g *CSVGenerator) WriteLine(w io.Writer) error {
	e := randomEvent(g.rand)
	_, err := fmt.Fprintf(w, "%.3f,%.4f,%.4f,%d,%d\n", e.pt, e.eta, e.phi, e.charge, e.nJets)
	return err
}

func (g *CSVGenerator) Ext() string {
	return ".csv"
}

func (g *CSVGenerator) Description() string {
	return "CSV events: pt,eta,phi,charge,njets"
}

func (g *CSVGenerator) DefaultCount() int64 {
	return 1e5 // 100,000 events
}

// JSONLGenerator writes events as one JSON object per line with the muon
// kinematics nested, so analyzers address them as muon.pt and so on
type JSONLGenerator struct {
	rand *rand.Rand
}

func (g *JSONLGenerator) Init(r *rand.Rand) {
	g.rand = r
}

func (g *JSONLGenerator) WriteHeader(io.Writer) error {
	return nil
}

func (g *JSONLGenerator) WriteLine(w io.Writer) error {
	e := randomEvent(g.rand)
	_, err := fmt.Fprintf(w, `{"muon":{"pt":%.3f,"eta":%.4f,"phi":%.4f,"charge":%d},"njets":%d}`+"\n",
		e.pt, e.eta, e.phi, e.charge, e.nJets)
	return err
}

func (g *JSONLGenerator) Ext() string {
	return ".jsonl"
}

func (g *JSONLGenerator) Description() string {
	return `JSONL events: {"muon":{"pt","eta","phi","charge"},"njets"}`
}

func (g *JSONLGenerator) DefaultCount() int64 {
	return 1e5
}
