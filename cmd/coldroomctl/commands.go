package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"coldroom/monitor-server/internal/export"
	"coldroom/monitor-server/internal/provision"
	"coldroom/monitor-server/internal/store"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(st *store.Store) error {
				version, err := st.SchemaVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
				return nil
			})
		},
	}
}

func (c *cli) provisionCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the locations, rooms and admin account named in a seed file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := provision.Load(file)
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(st *store.Store) error {
				rep, err := provision.Apply(cmd.Context(), st, seed, adminPassword(), c.logger)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "YAML seed file")
	return cmd
}

func (c *cli) roomCmd() *cobra.Command {
	room := &cobra.Command{
		Use:   "room",
		Short: "Manage monitored rooms",
	}

	var location, name, sensor string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a room to a location, creating the location if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if location == "" || name == "" {
				return errors.New("--location and --name are required")
			}
			ctx := cmd.Context()
			return c.withStore(ctx, func(st *store.Store) error {
				loc, err := st.LocationByName(ctx, location)
				locID := loc.ID
				if errors.Is(err, store.ErrNotFound) {
					locID, err = st.CreateLocation(ctx, location)
				}
				if err != nil {
					return err
				}

				var sensorID *string
				if sensor != "" {
					sensorID = &sensor
				}
				id, err := st.CreateRoom(ctx, name, locID, sensorID)
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("sensor %q is already assigned to another room", sensor)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "room %d created\n", id)
				return nil
			})
		},
	}
	add.Flags().StringVar(&location, "location", "", "location name")
	add.Flags().StringVar(&name, "name", "", "room name")
	add.Flags().StringVar(&sensor, "sensor", "", "sensor id installed in the room")

	del := &cobra.Command{
		Use:   "delete <room-id>",
		Short: "Delete a room and its samples; logged errors are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(st *store.Store) error {
				if err := st.DeleteRoom(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "room %d deleted\n", id)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms grouped by location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withStore(ctx, func(st *store.Store) error {
				locations, err := st.Locations(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLOCATION\tROOM\tSENSOR")
				for _, loc := range locations {
					rooms, err := st.RoomsByLocation(ctx, loc.ID)
					if err != nil {
						return err
					}
					for _, r := range rooms {
						sensor := "-"
						if r.SensorID != nil {
							sensor = *r.SensorID
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, loc.Name, r.Name, sensor)
					}
				}
				return tw.Flush()
			})
		},
	}

	room.AddCommand(add, del, list)
	return room
}

func (c *cli) exportCmd() *cobra.Command {
	var from, to, aggregation, format, out string
	cmd := &cobra.Command{
		Use:   "export <room-id>",
		Short: "Export the temperature series of a room as CSV or a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			agg, err := export.ParseAggregation(aggregation)
			if err != nil {
				return err
			}
			fmtv, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			fromDate, err := export.ParseDate(from)
			if err != nil {
				return err
			}
			toDate, err := export.ParseDate(to)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return c.withStore(ctx, func(st *store.Store) error {
				engine := export.New(st, c.cfg.ExcelEnabled, nil, c.logger)
				table, err := engine.Export(ctx, export.Request{RoomID: id, From: fromDate, To: toDate, Aggregation: agg})
				if err != nil {
					return err
				}
				file, err := engine.Render(table, fmtv)
				if err != nil {
					return err
				}

				if out == "-" {
					_, err := cmd.OutOrStdout().Write(file.Body)
					return err
				}
				path := out
				if path == "" {
					path = file.Name
				} else if info, err := os.Stat(path); err == nil && info.IsDir() {
					path = filepath.Join(path, file.Name)
				}
				if err := os.WriteFile(path, file.Body, 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(file.Body))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&aggregation, "aggregation", "full", "full, hourly or daily")
	cmd.Flags().StringVar(&format, "format", "csv", "csv or excel")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file or directory; - writes to stdout")
	return cmd
}

func (c *cli) errorsCmd() *cobra.Command {
	errs := &cobra.Command{
		Use:   "errors",
		Short: "Inspect and resolve ingestion errors",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved ingestion errors, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withStore(ctx, func(st *store.Store) error {
				views, err := c.errorLog(st).AllUnresolved(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tDEVICE\tSENSOR\tTYPE\tROOM\tLOCATION\tMESSAGE")
				for _, v := range views {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						v.ID, v.Timestamp.UTC().Format(time.DateTime), v.DeviceID, v.SensorID, v.Kind,
						v.RoomName, v.LocationName, v.Message)
				}
				return tw.Flush()
			})
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <error-id>",
		Short: "Mark an ingestion error as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(st *store.Store) error {
				if err := c.errorLog(st).Resolve(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "error %d resolved\n", id)
				return nil
			})
		},
	}

	errs.AddCommand(list, resolve)
	return errs
}

func (c *cli) statusCmd() *cobra.Command {
	var location bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Print the snapshot of a room, or with --location the summary of a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return c.withStore(ctx, func(st *store.Store) error {
				engine := c.statsEngine(st)
				var view any
				if location {
					view, err = engine.LocationSummary(ctx, id)
				} else {
					view, err = engine.RoomSnapshot(ctx, id)
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
	cmd.Flags().BoolVar(&location, "location", false, "treat the id as a location id")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
