package experiment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/susu3304/kifubot/internal/ledger"
)

const RetryMessage = "Your contribution could not be saved right now. Please try again in a moment."

func waitingMessage(participantID string, round, remaining int) string {
	return fmt.Sprintf("Thank you, %s! Round %d is waiting for %d more participant(s).", participantID, round, remaining)
}

func notInCohortMessage(participantID string, round int, cohort []string) string {
	return fmt.Sprintf("%s cannot join round %d: only round 1 participants of this session may continue (%s).",
		participantID, round, strings.Join(cohort, ", "))
}

func alreadySubmittedMessage(participantID string, round, remaining int) string {
	return fmt.Sprintf("%s has already participated in round %d. Waiting for %d more participant(s).", participantID, round, remaining)
}

func roundMovedMessage(participantID string, round int, closed bool) string {
	if closed {
		return fmt.Sprintf("Round %d has already closed, so the contribution from %s was not recorded. Please submit again for the current round.", round, participantID)
	}
	return fmt.Sprintf("Round %d changed while the contribution from %s was being saved. Please submit again.", round, participantID)
}

func finishedMessage(totalRounds int) string {
	return fmt.Sprintf("The experiment has finished after %d rounds. No further contributions are accepted.", totalRounds)
}

// roundSummary lists every settlement of one closed round.
func roundSummary(round int, records []ledger.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d results", round)
	if len(records) > 0 {
		fmt.Fprintf(&b, " (public share %s each)", displayAmount(records[0].PublicShare))
	}
	b.WriteString(":\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- %s contributed %s, payoff %s\n", r.ParticipantID, displayAmount(r.Contribution), displayAmount(r.FinalPayoff))
	}
	return strings.TrimRight(b.String(), "\n")
}

// closedRoundsSummary summarizes every round of the rows that has all its
// settlements. Partially visible rounds are left out.
func closedRoundsSummary(p Params, rows []ledger.Record) string {
	byRound := make(map[int][]ledger.Record)
	for _, r := range rows {
		byRound[r.Round] = append(byRound[r.Round], r)
	}
	rounds := make([]int, 0, len(byRound))
	for n, rs := range byRound {
		if len(rs) == p.NumParticipants {
			rounds = append(rounds, n)
		}
	}
	if len(rounds) == 0 {
		return "No rounds have been completed yet in this session."
	}
	sort.Ints(rounds)

	parts := make([]string, 0, len(rounds))
	for _, n := range rounds {
		parts = append(parts, roundSummary(n, byRound[n]))
	}
	return strings.Join(parts, "\n\n")
}

func roundStatus(p Params, s *State) string {
	if s.Complete() {
		return fmt.Sprintf("All %d rounds complete", p.TotalRounds)
	}
	return fmt.Sprintf("Round %d of %d: %d/%d submitted", s.CurrentRound, p.TotalRounds, s.Round(s.CurrentRound).Count(), p.NumParticipants)
}

func sessionStatus(p Params, s *State) string {
	if !s.Complete() {
		return fmt.Sprintf("Session %s in progress", s.SessionID)
	}
	if p.AutoReset {
		return fmt.Sprintf("Session %s complete; the next submission starts a new session", s.SessionID)
	}
	return fmt.Sprintf("Session %s complete", s.SessionID)
}
