package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"workstream/items-api/domain"
	"workstream/items-api/items"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var parent string
	var roots bool

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List items in sibling order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if parent != "" && roots {
				return errors.New("--parent and --roots are mutually exclusive")
			}
			filter := domain.AllItems()
			switch {
			case parent != "":
				filter = domain.ChildrenOf(parent)
			case roots:
				filter = domain.Roots()
			}
			return ctx.withService(cmd.Context(), cmd.ErrOrStderr(), func(svc *items.Service) error {
				list, err := svc.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No items")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, it := range list {
					rows = append(rows, []string{
						it.ID,
						it.Title,
						it.Estimation.String(),
						formatPriority(it.Priority),
						parentLabel(it.ParentID),
						strconv.Itoa(it.ChildrenCount),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Estimation", "Priority", "Parent", "Children"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "Only list children of this item")
	cmd.Flags().BoolVar(&roots, "roots", false, "Only list items without a parent")
	return cmd
}

func newMoveCommand(ctx *commandContext) *cobra.Command {
	var after, before, parent string
	var toRoot bool

	cmd := &cobra.Command{
		Use:   "move ID",
		Short: "Place an item between two siblings or under another parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parent != "" && toRoot {
				return errors.New("--parent and --root are mutually exclusive")
			}
			var req items.MoveRequest
			if after != "" {
				req.PreviousID = &after
			}
			if before != "" {
				req.NextID = &before
			}
			switch {
			case parent != "":
				req.Parent = domain.SetString(parent)
			case toRoot:
				req.Parent = domain.ClearString()
			}
			return ctx.withService(cmd.Context(), cmd.ErrOrStderr(), func(svc *items.Service) error {
				it, err := svc.Move(cmd.Context(), args[0], req)
				if it == nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to priority %s under %s\n", it.ID, formatPriority(it.Priority), parentLabel(it.ParentID))
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v (run `itemsctl recount --all` to repair)\n", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "Sibling the item should follow")
	cmd.Flags().StringVar(&before, "before", "", "Sibling the item should precede")
	cmd.Flags().StringVar(&parent, "parent", "", "New parent item")
	cmd.Flags().BoolVar(&toRoot, "root", false, "Move the item to the root level")
	return cmd
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"remove"},
		Short:   "Delete an item",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd.Context(), cmd.ErrOrStderr(), func(svc *items.Service) error {
				if err := svc.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newRecountCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "recount [ID]",
		Short: "Recompute cached children counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either an item ID or --all")
			}
			return ctx.withService(cmd.Context(), cmd.ErrOrStderr(), func(svc *items.Service) error {
				if !all {
					n, err := svc.RecountChildren(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s has %d children\n", args[0], n)
					return nil
				}
				repaired, err := svc.RecountAll(cmd.Context())
				if len(repaired) > 0 {
					rows := make([][]string, 0, len(repaired))
					for _, r := range repaired {
						rows = append(rows, []string{r.ID, strconv.Itoa(r.Before), strconv.Itoa(r.After)})
					}
					fmt.Fprint(cmd.OutOrStdout(), renderTable(
						[]string{"ID", "Before", "After"},
						rows,
						[]columnAlignment{alignLeft, alignRight, alignRight},
					))
				} else if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "All children counts are correct")
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Repair every item")
	return cmd
}

func formatPriority(p float64) string {
	return strconv.FormatFloat(p, 'g', -1, 64)
}

func parentLabel(p *string) string {
	if p == nil {
		return "root"
	}
	return *p
}
