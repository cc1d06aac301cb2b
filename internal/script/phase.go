package script

// Phase is the coarse classification of a script position, derived from the
// stage grouping. It drives poller cadence, nudge clocks and handoff.
type Phase string

const (
	PhaseOne        Phase = "PHASE1"
	PhaseTwo        Phase = "PHASE2"
	PhaseTransition Phase = "TRANSITION"
	PhaseCompleted  Phase = "COMPLETED"
)

// stagePhase maps stage names to phases. Stages absent from this table fall
// back to PHASE1 so an unrecognized stage never stalls a poller.
var stagePhase = map[string]Phase{
	"welcome":       PhaseOne,
	"value":         PhaseTwo,
	"qualification": PhaseTwo,
	"transition":    PhaseTransition,
}

// ClassifyPhase maps a node id to its phase. Total: a node that no stage
// contains, including ids missing from the script entirely, classifies as
// COMPLETED so the caller treats the conversation as terminal instead of
// erroring.
func ClassifyPhase(s *Script, nodeID string) Phase {
	if s == nil {
		return PhaseCompleted
	}
	for _, st := range s.Stages {
		for _, id := range st.NodeIDs {
			if id != nodeID {
				continue
			}
			if p, ok := stagePhase[st.Name]; ok {
				return p
			}
			return PhaseOne
		}
	}
	return PhaseCompleted
}
