package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/envelope"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

// InspectOptions holds flags of the inspect command.
type InspectOptions struct {
	Events bool
	Area   string
}

// UnitReport describes one unit file found on disk.
type UnitReport struct {
	Area       string        `json:"area"`
	ID         uint64        `json:"id"`
	State      string        `json:"state"`
	Path       string        `json:"path"`
	CreatedAt  time.Time     `json:"created_at"`
	Size       int64         `json:"size"`
	EntryCount int64         `json:"entry_count"`
	Error      string        `json:"error,omitempty"`
	Events     []EventReport `json:"events,omitempty"`
}

// EventReport is one decoded event of a sealed unit.
type EventReport struct {
	CreatedAt time.Time `json:"created_at"`
	Data      string    `json:"data"`
	Metadata  string    `json:"metadata,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the units persisted for a feature",
		Long: `List every unit file of a feature per consent area, oldest first.
Files are only read, never modified, so inspect is safe to run while a
pipeline is writing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			areas := consent.Values
			if opts.Area != "" {
				v, err := consent.ParseValue(opts.Area)
				if err != nil {
					return err
				}
				areas = []consent.Value{v}
			}
			root := filepath.Join(cfg.Directory, cfg.Feature)
			reports, err := inspectUnits(root, areas, opts.Events)
			if err != nil {
				return err
			}
			return writeReports(cmd.OutOrStdout(), rootOpts.Format, reports)
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "decode the events of sealed units")
	cmd.Flags().StringVar(&opts.Area, "area", "", "only list one area: pending, granted or denied")

	return cmd
}

func inspectUnits(root string, areas []consent.Value, withEvents bool) ([]UnitReport, error) {
	var reports []UnitReport
	for _, area := range areas {
		dir := consent.AreaDir(root, area)
		paths, err := filepath.Glob(filepath.Join(dir, "*"+unitfs.DefaultExt))
		if err != nil {
			return nil, err
		}
		// unit IDs are zero padded, so names sort by age.
		sort.Strings(paths)
		for _, path := range paths {
			reports = append(reports, inspectUnit(area, path, withEvents))
		}
	}
	return reports, nil
}

func inspectUnit(area consent.Value, path string, withEvents bool) UnitReport {
	report := UnitReport{Area: area.String(), Path: path}
	info, err := unitfs.StatUnit(path)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.ID = info.ID
	report.State = info.State.String()
	report.CreatedAt = info.CreatedAt
	report.Size = info.Size
	report.EntryCount = info.EntryCount

	if !withEvents || info.State != unitfs.Sealed {
		return report
	}
	records, _, err := unitfs.ReadUnit(path)
	if err != nil {
		report.Error = err.Error()
	}
	malformed := 0
	for _, rec := range records {
		ev, err := envelope.Decode(rec)
		if err != nil {
			malformed++
			continue
		}
		report.Events = append(report.Events, EventReport{
			CreatedAt: ev.CreatedAt,
			Data:      string(ev.Data),
			Metadata:  string(ev.Metadata),
		})
	}
	if malformed > 0 && report.Error == "" {
		report.Error = fmt.Sprintf("%d malformed events", malformed)
	}
	return report
}

func writeReports(w io.Writer, format string, reports []UnitReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if reports == nil {
			reports = []UnitReport{}
		}
		return enc.Encode(reports)
	}

	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "no units")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AREA\tID\tSTATE\tCREATED\tSIZE\tEVENTS\tERROR")
	for _, r := range reports {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			r.Area, r.ID, r.State, created, r.Size, r.EntryCount, r.Error)
		for _, ev := range r.Events {
			fmt.Fprintf(tw, "\t\t\t%s\t\t\t%s\n", ev.CreatedAt.UTC().Format(time.RFC3339Nano), ev.Data)
		}
	}
	return tw.Flush()
}
