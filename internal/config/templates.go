package config

// DefaultActionRegex matches one fenced bash block.
const DefaultActionRegex = "```bash\\s*\\n(.*?)\\n```"

// SubmitSentinel is the first output line that ends a run as submitted.
const SubmitSentinel = "COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT"

const DefaultSystemTemplate = `You are a helpful assistant that can interact with a computer.

Your response must contain exactly ONE bash code block with ONE command (or commands connected with && or ||).
Include a THOUGHT section before your command where you explain your reasoning process.
Format your response as shown in <format_example>.

<format_example>
THOUGHT: Your reasoning and analysis here

` + "```bash\nyour_command_here\n```" + `
</format_example>

Failure to follow these rules will cause your response to be rejected.`

const DefaultInstanceTemplate = `Please solve this task: {{.Task}}

You can execute bash commands and edit files to implement the necessary changes.
Every command runs in a new subshell, so directory or environment changes are not persistent.

When you are done, issue exactly this command on its own:

` + "```bash\necho " + SubmitSentinel + "\n```"

const DefaultObservationTemplate = `<returncode>{{.ReturnCode}}</returncode>
{{if .Truncated -}}
<warning>
The output of your last command was too long ({{.OutputLen}} characters).
Please try a different command that produces less output.
</warning>
<output_head>
{{.Head}}
</output_head>
<elided_chars>{{.Elided}} characters elided</elided_chars>
<output_tail>
{{.Tail}}
</output_tail>
{{- else -}}
<output>
{{.Output}}
</output>
{{- end}}`

const DefaultFormatErrorTemplate = `Please always provide EXACTLY ONE action in triple backticks.
{{.Error}}

If you have completed your assignment, issue the following command:

` + "```bash\necho " + SubmitSentinel + "\n```"

const DefaultTimeoutTemplate = `The last command <command>{{.Action}}</command> timed out and has been killed.
The output of the command was:
<output>
{{.Output}}
</output>
Please try another command and make sure to avoid those requiring interactive input.`
