package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/verkstad/drip"
)

func main() {
	app := &cli.App{
		Name:  "drip",
		Usage: "an operator cli for a running dripd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "http://localhost:8080",
				EnvVars: []string{"DRIP_HOST"},
				Usage:   "base url of the dripd instance",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "optin",
				Usage:  "start a double opt-in for an email address",
				Action: startOptIn,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "first-name"},
					&cli.StringFlag{Name: "workshop", Required: true},
					&cli.StringFlag{Name: "audience-id", Required: true},
				},
			},
			{
				Name:   "confirm",
				Usage:  "confirm an opt-in token",
				Action: confirm,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Required: true},
				},
			},
			{
				Name:   "process",
				Usage:  "trigger one pass over the drip queue",
				Action: process,
			},
			{
				Name:   "inspect",
				Usage:  "print the queue with derived due state",
				Action: inspect,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *drip.Client {
	return drip.NewClient(c.String("host"))
}

func startOptIn(c *cli.Context) error {
	err := client(c).StartOptIn(c.Context, drip.OptInRequest{
		Email:      c.String("email"),
		FirstName:  c.String("first-name"),
		Workshop:   c.String("workshop"),
		AudienceID: c.String("audience-id"),
	})
	if err != nil {
		return err
	}
	fmt.Println("opt-in pending, confirmation email on its way")
	return nil
}

func confirm(c *cli.Context) error {
	outcome, err := client(c).Confirm(c.Context, c.String("token"))
	if err != nil {
		return err
	}
	fmt.Println("outcome:", outcome)
	return nil
}

func process(c *cli.Context) error {
	summary, err := client(c).ProcessQueue(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("sent: %d, failed: %d, remaining: %d\n", summary.Sent, summary.Failed, summary.Remaining)
	return nil
}

func inspect(c *cli.Context) error {
	items, err := client(c).InspectQueue(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WORKSHOP\tLESSON\tEMAIL\tSTATUS\tSEND AT\tDUE\tDELAY\tERROR")
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			item.Workshop, item.LessonKey, item.Email, item.Status,
			item.SendAt.Format("2006-01-02 15:04"), item.Due, item.Delay, item.LastError)
	}
	return w.Flush()
}
