// Package status reports on a campaign directory: the live view from a
// running campaign's control socket, or the last persisted state.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/croc_campaign/internal/campaign"
	"github.com/msageha/croc_campaign/internal/lock"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/uds"
)

type Report struct {
	Running       bool                 `json:"running"`
	Pid           int                  `json:"pid,omitempty"`
	State         *model.CampaignState `json:"state,omitempty"`
	Watchdogs     map[string]string    `json:"watchdogs,omitempty"`
	StopRequested bool                 `json:"stop_requested,omitempty"`
}

// Run collects the status of campaignDir and prints it to w.
func Run(campaignDir string, w io.Writer, jsonOutput bool) error {
	r, err := Collect(campaignDir)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(w, r)
	return nil
}

// Collect asks the control socket first and falls back to state/campaign.yaml
// when no campaign is running.
func Collect(campaignDir string) (Report, error) {
	var r Report
	if live, ok := query(filepath.Join(campaignDir, uds.DefaultSocketName)); ok {
		r.Running = true
		r.State = &live.State
		r.Watchdogs = live.Watchdogs
		r.StopRequested = live.StopRequested
		if pid, ok := lock.ReadHolder(filepath.Join(campaignDir, "locks", "campaign.lock")); ok {
			r.Pid = pid
		}
		return r, nil
	}

	st, ok, err := campaign.LoadState(campaignDir)
	if err != nil {
		return r, fmt.Errorf("load campaign state: %w", err)
	}
	if ok {
		r.State = &st
	}
	return r, nil
}

func query(sockPath string) (campaign.StatusReport, bool) {
	var report campaign.StatusReport
	client := uds.NewClient(sockPath)
	client.SetTimeout(3 * time.Second)
	if err := client.Call(uds.CommandStatus, nil, &report); err != nil {
		return report, false
	}
	return report, true
}

func printReport(w io.Writer, r Report) {
	switch {
	case r.Running && r.Pid > 0:
		fmt.Fprintf(w, "Campaign: running (pid %d)\n", r.Pid)
	case r.Running:
		fmt.Fprintln(w, "Campaign: running")
	default:
		fmt.Fprintln(w, "Campaign: not running")
	}
	if r.StopRequested {
		fmt.Fprintln(w, "Stop requested: finishing current task")
	}

	if r.State == nil {
		fmt.Fprintln(w, "\nNo campaign state recorded")
		return
	}
	st := r.State
	fmt.Fprintf(w, "\n  %-18s %s\n", "name", st.Campaign)
	fmt.Fprintf(w, "  %-18s %s\n", "id", st.CampaignID)
	fmt.Fprintf(w, "  %-18s %s\n", "status", st.Status)
	fmt.Fprintf(w, "  %-18s %s\n", "started", st.StartedAt)
	if st.LastMainAt != nil {
		fmt.Fprintf(w, "  %-18s %s\n", "last main batch", *st.LastMainAt)
	}
	fmt.Fprintf(w, "  %-18s %d\n", "main repetitions", st.MainRepetitions)
	fmt.Fprintf(w, "  %-18s %d\n", "base iterations", st.BaseIterations)
	if st.CurrentTask != "" {
		fmt.Fprintf(w, "  %-18s %s\n", "current task", st.CurrentTask)
	}
	fmt.Fprintf(w, "  %-18s %s\n", "device power", onOff(st.DevicePowered))
	fmt.Fprintf(w, "  %-18s %s\n", "x-ray", onOff(st.XRayOn))
	if st.FatalReason != nil {
		fmt.Fprintf(w, "  %-18s %s\n", "fatal reason", *st.FatalReason)
	}

	if len(r.Watchdogs) > 0 {
		fmt.Fprintln(w, "\nWatchdogs:")
		names := make([]string, 0, len(r.Watchdogs))
		for name := range r.Watchdogs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-14s %s\n", name, r.Watchdogs[name])
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
